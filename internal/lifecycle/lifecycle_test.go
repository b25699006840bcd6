package lifecycle

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/partition"
	"swcache/internal/quota"
	"swcache/internal/strategy"
)

const origin = "https://shop.test"

type fakeOrigin struct {
	mu       sync.Mutex
	missing  map[string]bool
	offline  bool
	noCache  int
	requests int
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *http.Request) (*partition.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	if req.Header.Get("Cache-Control") == "no-cache" {
		o.noCache++
	}
	if o.offline {
		return nil, platformerrors.New(platformerrors.CodeNetwork, "offline")
	}
	if o.missing[req.URL.Path] {
		return &partition.Response{Status: http.StatusNotFound}, nil
	}
	return &partition.Response{Status: http.StatusOK, Body: []byte("asset " + req.URL.Path)}, nil
}

type claimer struct{ n int }

func (c *claimer) Claim() int {
	c.n++
	return 3
}

type fixture struct {
	store    partition.Store
	origin   *fakeOrigin
	sessions *claimer
	names    partition.Names
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := partition.NewFSStore(billy.NewMemory(), "/cache")
	require.NoError(t, err)
	names := partition.NamesFor("trustmarket", "1.0.1")
	o := &fakeOrigin{missing: map[string]bool{}}
	engine := strategy.New(strategy.Config{
		Store:   store,
		Fetcher: o,
		Names:   names,
		Quota:   quota.New(store, nil, nil),
		RootURL: origin + "/",
	})
	sessions := &claimer{}
	mgr, err := New(Config{
		Store:    store,
		Storer:   engine,
		Fetcher:  o,
		Names:    names,
		Origin:   origin,
		Sessions: sessions,
	})
	require.NoError(t, err)
	return &fixture{store: store, origin: o, sessions: sessions, names: names, mgr: mgr}
}

func (f *fixture) keys(t *testing.T, name string) []string {
	t.Helper()
	p, err := f.store.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func TestInstallPrefetchesManifest(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, Idle, f.mgr.State())

	require.NoError(t, f.mgr.Install(context.Background()))
	assert.Equal(t, Installed, f.mgr.State())
	assert.True(t, f.mgr.WaitingSkipped())
	assert.True(t, f.mgr.NavigationPreload())

	keys := f.keys(t, f.names.Static)
	assert.Len(t, keys, len(DefaultManifest))
	assert.Contains(t, keys, partition.Key(origin+"/"))
	assert.Contains(t, keys, partition.Key(origin+"/og-image.jpg"))
	assert.Equal(t, len(DefaultManifest), f.origin.noCache)
}

func TestInstallTwiceYieldsSameKeys(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Install(context.Background()))
	first := f.keys(t, f.names.Static)
	require.NoError(t, f.mgr.Install(context.Background()))
	assert.Equal(t, first, f.keys(t, f.names.Static))
}

func TestInstallFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.origin.missing["/og-image.jpg"] = true

	require.NoError(t, f.mgr.Install(context.Background()))
	assert.Equal(t, Installed, f.mgr.State())
	assert.True(t, f.mgr.WaitingSkipped())
	assert.Empty(t, f.keys(t, f.names.Static), "pre-population is all or nothing")

	assert.Error(t, f.mgr.Prefetch(context.Background()))
}

func TestActivatePurgesStalePartitions(t *testing.T) {
	tests := []struct {
		name  string
		stale []string
	}{
		{name: "none"},
		{name: "one", stale: []string{"trustmarket-static-v1.0.0"}},
		{name: "many", stale: []string{
			"trustmarket-api-v0.9.0",
			"trustmarket-dynamic-v1.0.0",
			"trustmarket-images-v1.0.0",
			"workbox-precache",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			for _, name := range append(append([]string{}, tt.stale...), f.names.All()...) {
				_, err := f.store.Open(ctx, name)
				require.NoError(t, err)
			}

			purged, err := f.mgr.Activate(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.stale, purged)
			assert.Equal(t, Active, f.mgr.State())
			assert.Equal(t, 1, f.sessions.n)

			names, err := f.store.Names(ctx)
			require.NoError(t, err)
			want := f.names.All()
			sort.Strings(want)
			assert.Equal(t, want, names)
		})
	}
}

func TestCacheURLs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.mgr.CacheURLs(ctx, []string{"/listing/1", origin + "/listing/2"}))
	assert.Equal(t, []string{
		partition.Key(origin + "/listing/1"),
		partition.Key(origin + "/listing/2"),
	}, f.keys(t, f.names.Dynamic))

	f.origin.missing["/listing/4"] = true
	err := f.mgr.CacheURLs(ctx, []string{"/listing/3", "/listing/4"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"))
	assert.NotContains(t, f.keys(t, f.names.Dynamic), partition.Key(origin+"/listing/3"))
}

func TestClearCacheAndSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.mgr.Install(ctx))

	size, err := f.mgr.CacheSize(ctx)
	require.NoError(t, err)
	var want int64
	for _, path := range DefaultManifest {
		want += int64(len("asset " + path))
	}
	assert.Equal(t, want, size)

	require.NoError(t, f.mgr.ClearCache(ctx))
	names, err := f.store.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	size, err = f.mgr.CacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestNewRejectsBadOrigin(t *testing.T) {
	_, err := New(Config{Origin: "shop.test"})
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
}
