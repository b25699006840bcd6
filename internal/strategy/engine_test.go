package strategy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/classify"
	"swcache/internal/partition"
	"swcache/internal/quota"
)

const origin = "https://shop.test"

var errOffline = platformerrors.New(platformerrors.CodeNetwork, "offline")

// stubFetcher serves canned bodies by URL and can be switched offline.
type stubFetcher struct {
	mu      sync.Mutex
	offline bool
	status  map[string]int
	bodies  map[string]string
	calls   atomic.Int64
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{status: map[string]int{}, bodies: map[string]string{}}
}

func (f *stubFetcher) set(url, body string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
	f.status[url] = status
}

func (f *stubFetcher) goOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = true
}

func (f *stubFetcher) Fetch(ctx context.Context, req *http.Request) (*partition.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	u := req.URL.String()
	status, ok := f.status[u]
	if !ok {
		status = http.StatusNotFound
	}
	return &partition.Response{Status: status, Header: http.Header{}, Body: []byte(f.bodies[u])}, nil
}

type fixture struct {
	store   partition.Store
	fetcher *stubFetcher
	engine  *Engine
	names   partition.Names
}

func newFixture(t *testing.T, limits map[string]int64) *fixture {
	t.Helper()
	store, err := partition.NewFSStore(billy.NewMemory(), "/cache")
	require.NoError(t, err)
	names := partition.NamesFor("test", "1")
	fetcher := newStubFetcher()
	engine := New(Config{
		Store:      store,
		Fetcher:    fetcher,
		Names:      names,
		Quota:      quota.New(store, limits, nil),
		Background: NewBackground(4, nil),
		RootURL:    origin + "/",
	})
	return &fixture{store: store, fetcher: fetcher, engine: engine, names: names}
}

func get(t *testing.T, url string) Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return Request{HTTP: req}
}

func (f *fixture) keys(t *testing.T, name string) []string {
	t.Helper()
	p, err := f.store.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func (f *fixture) seed(t *testing.T, name, url, body string) {
	t.Helper()
	p, err := f.store.Open(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, p.Put(context.Background(), partition.Key(url), &partition.Response{Status: 200, Body: []byte(body)}))
}

func TestStaticServedFromCacheAfterFirstFetch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	url := origin + "/static/app.js"
	f.fetcher.set(url, "v1", 200)

	resp, err := f.engine.Dispatch(ctx, get(t, url), classify.Static)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	assert.Equal(t, []string{partition.Key(url)}, f.keys(t, f.names.Static))

	f.fetcher.goOffline()
	resp, err = f.engine.Dispatch(ctx, get(t, url), classify.Static)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	f.engine.Background().Wait()
}

func TestCacheFirstRefreshesInBackground(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	url := origin + "/static/app.css"
	f.seed(t, f.names.Static, url, "old")
	f.fetcher.set(url, "new", 200)

	resp, err := f.engine.CacheFirst(ctx, get(t, url), f.names.Static)
	require.NoError(t, err)
	assert.Equal(t, "old", string(resp.Body))

	f.engine.Background().Wait()
	cached, err := f.engine.Match(ctx, partition.Key(url))
	require.NoError(t, err)
	assert.Equal(t, "new", string(cached.Body))
}

func TestNonOKResponsesAreNotStored(t *testing.T) {
	f := newFixture(t, nil)
	url := origin + "/static/missing.js"
	f.fetcher.set(url, "nope", http.StatusNotFound)

	resp, err := f.engine.CacheFirst(context.Background(), get(t, url), f.names.Static)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, f.keys(t, f.names.Static))
}

func TestNetworkFirst(t *testing.T) {
	url := origin + "/api/featured"

	t.Run("online stores in background", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fetcher.set(url, "fresh", 200)
		resp, err := f.engine.NetworkFirst(context.Background(), get(t, url), f.names.API, false)
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(resp.Body))
		f.engine.Background().Wait()
		assert.Equal(t, []string{partition.Key(url)}, f.keys(t, f.names.API))
	})

	t.Run("offline with cached copy", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, f.names.API, url, "cached")
		f.fetcher.goOffline()
		resp, err := f.engine.NetworkFirst(context.Background(), get(t, url), f.names.API, false)
		require.NoError(t, err)
		assert.Equal(t, "cached", string(resp.Body))
	})

	t.Run("offline navigation falls back to root", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, f.names.Static, origin+"/", "<html>shell</html>")
		f.fetcher.goOffline()
		req := get(t, url)
		req.Navigate = true
		resp, err := f.engine.NetworkFirst(context.Background(), req, f.names.API, false)
		require.NoError(t, err)
		assert.Equal(t, "<html>shell</html>", string(resp.Body))
	})

	t.Run("offline without cache propagates", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, f.names.Static, origin+"/", "<html>shell</html>")
		f.fetcher.goOffline()
		_, err := f.engine.NetworkFirst(context.Background(), get(t, url), f.names.API, true)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errOffline))
		assert.Equal(t, platformerrors.CodeNetwork, platformerrors.GetCode(err))
	})
}

func TestStoresAfterSuccessSurviveBusyBackground(t *testing.T) {
	f := newFixture(t, nil)
	api := origin + "/api/trending"
	page := origin + "/listing/9"
	f.fetcher.set(api, "trending", 200)
	f.fetcher.set(page, "<html>listing</html>", 200)

	bg := f.engine.Background()
	release := make(chan struct{})
	for bg.Go(context.Background(), "busy", func(context.Context) error {
		<-release
		return nil
	}) {
	}

	_, err := f.engine.NetworkFirst(context.Background(), get(t, api), f.names.API, false)
	require.NoError(t, err)
	nav := get(t, page)
	nav.Navigate = true
	_, err = f.engine.Navigate(context.Background(), nav)
	require.NoError(t, err)

	close(release)
	bg.Wait()
	f.fetcher.goOffline()

	resp, err := f.engine.NetworkFirst(context.Background(), get(t, api), f.names.API, false)
	require.NoError(t, err)
	assert.Equal(t, "trending", string(resp.Body))
	resp, err = f.engine.Navigate(context.Background(), nav)
	require.NoError(t, err)
	assert.Equal(t, "<html>listing</html>", string(resp.Body))
}

func TestStaleWhileRevalidateMissWaitsForFetch(t *testing.T) {
	f := newFixture(t, nil)
	url := origin + "/manifest.json"
	f.fetcher.set(url, "{}", 200)

	resp, err := f.engine.Dispatch(context.Background(), get(t, url), classify.Dynamic)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(resp.Body))
	assert.Equal(t, []string{partition.Key(url)}, f.keys(t, f.names.Dynamic))
}

func TestStaleWhileRevalidateMissOfflineFails(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.goOffline()
	_, err := f.engine.Dispatch(context.Background(), get(t, origin+"/manifest.json"), classify.Dynamic)
	assert.Error(t, err)
}

func TestNavigateUsesPreload(t *testing.T) {
	f := newFixture(t, nil)
	url := origin + "/listing/7"
	req := get(t, url)
	req.Navigate = true
	req.Preload = &partition.Response{Status: 200, Body: []byte("preloaded")}

	resp, err := f.engine.Dispatch(context.Background(), req, classify.Navigation)
	require.NoError(t, err)
	assert.Equal(t, "preloaded", string(resp.Body))
	assert.Equal(t, int64(0), f.fetcher.calls.Load())

	f.engine.Background().Wait()
	assert.Equal(t, []string{partition.Key(url)}, f.keys(t, f.names.Dynamic))
}

func TestNavigateOfflineFallbacks(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.goOffline()
	page := origin + "/listing/7"

	req := get(t, page)
	req.Navigate = true
	_, err := f.engine.Navigate(context.Background(), req)
	require.Error(t, err, "no cached page and no root document")

	f.seed(t, f.names.Static, origin+"/", "shell")
	resp, err := f.engine.Navigate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "shell", string(resp.Body))

	f.seed(t, f.names.Dynamic, page, "listing 7")
	resp, err = f.engine.Navigate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "listing 7", string(resp.Body))
}

func TestImageWriteEnforcesQuota(t *testing.T) {
	f := newFixture(t, map[string]int64{partition.NamesFor("test", "1").Images: 1000})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.seed(t, f.names.Images, origin+"/uploads/"+string(rune('a'+i)), strings.Repeat("x", 100))
	}
	url := origin + "/uploads/new.png"
	f.fetcher.set(url, strings.Repeat("y", 100), 200)

	_, err := f.engine.Dispatch(ctx, get(t, url), classify.Image)
	require.NoError(t, err)

	keys := f.keys(t, f.names.Images)
	assert.Len(t, keys, 11-11/5)
	assert.Equal(t, partition.Key(url), keys[len(keys)-1])
}

func TestEngineStoreRejectsErrorStatus(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.Store(context.Background(), f.names.Static, origin+"/x", &partition.Response{Status: 500})
	assert.Error(t, err)
}
