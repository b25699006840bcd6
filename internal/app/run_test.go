package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"swcache/internal/classify"
	"swcache/internal/partition"
	"swcache/internal/strategy"
)

func installRunTestSeams(t *testing.T) *bytes.Buffer {
	t.Helper()

	origFetcherFn := newFetcherFn
	origStdout := stdout
	origStderr := stderr
	t.Cleanup(func() {
		newFetcherFn = origFetcherFn
		stdout = origStdout
		stderr = origStderr
	})

	var out bytes.Buffer
	stdout = &out
	stderr = io.Discard
	newFetcherFn = func(time.Duration) strategy.Fetcher {
		return strategy.FetcherFunc(func(ctx context.Context, req *http.Request) (*partition.Response, error) {
			return &partition.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": []string{"text/plain"}},
				Body:   []byte("body of " + req.URL.Path),
			}, nil
		})
	}
	return &out
}

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Origin = "https://shop.test"
	opts.DataDir = t.TempDir()
	opts.ConfigPath = filepath.Join(t.TempDir(), "absent.yaml")
	return opts
}

func TestPrepareLayersConfigAndEnv(t *testing.T) {
	opts := testOptions(t)
	if err := os.WriteFile(opts.ConfigPath, []byte("store: sqlite\norigin: https://config.test\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SWCACHE_ORIGIN", "https://env.test")

	got, err := Prepare(opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got.Store != "sqlite" {
		t.Fatalf("expected store from config, got %q", got.Store)
	}
	if got.Origin != "https://env.test" {
		t.Fatalf("expected env origin, got %q", got.Origin)
	}
}

func TestPrepareReportsInvalidLayer(t *testing.T) {
	opts := testOptions(t)
	if err := os.WriteFile(opts.ConfigPath, []byte("store: s3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Prepare(opts)
	if err == nil || !strings.Contains(err.Error(), "source=config") {
		t.Fatalf("expected store error attributed to config, got %v", err)
	}
}

func TestRunPrintConfigDoesNotServe(t *testing.T) {
	out := installRunTestSeams(t)
	opts := testOptions(t)
	opts.PrintEffectiveConfig = true
	if err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "origin: https://shop.test") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCacheWarmThenSizeThenClear(t *testing.T) {
	for _, store := range []string{"fs", "sqlite"} {
		t.Run(store, func(t *testing.T) {
			out := installRunTestSeams(t)
			opts := testOptions(t)
			opts.Store = store
			opts.Manifest = []string{"/", "/manifest.json"}
			ctx := context.Background()

			if err := CacheWarm(ctx, opts, []string{"/listing/1"}); err != nil {
				t.Fatalf("CacheWarm failed: %v", err)
			}
			if !strings.Contains(out.String(), "Cache warmed: 2 manifest assets, 1 urls") {
				t.Fatalf("unexpected warm output:\n%s", out.String())
			}

			out.Reset()
			if err := CacheSize(ctx, opts); err != nil {
				t.Fatalf("CacheSize failed: %v", err)
			}
			size := out.String()
			if !strings.Contains(size, "trustmarket-static-v1.0.1") || !strings.Contains(size, "trustmarket-dynamic-v1.0.1") {
				t.Fatalf("expected static and dynamic partitions:\n%s", size)
			}

			out.Reset()
			if err := CacheClear(ctx, opts); err != nil {
				t.Fatalf("CacheClear failed: %v", err)
			}
			out.Reset()
			if err := CacheSize(ctx, opts); err != nil {
				t.Fatalf("CacheSize failed: %v", err)
			}
			if strings.Contains(out.String(), "trustmarket-") {
				t.Fatalf("expected no partitions after clear:\n%s", out.String())
			}
		})
	}
}

func TestQueueAddThenSyncReplaysToOrigin(t *testing.T) {
	out := installRunTestSeams(t)

	var mu sync.Mutex
	var paths []string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	opts := testOptions(t)
	opts.Origin = origin.URL
	ctx := context.Background()

	if err := QueueAdd(ctx, opts, "listing", `{"title":"lamp"}`, "tok", ""); err != nil {
		t.Fatalf("QueueAdd failed: %v", err)
	}
	if !strings.Contains(out.String(), "Queued listing #1 (1 pending)") {
		t.Fatalf("unexpected queue output:\n%s", out.String())
	}
	if err := QueueAdd(ctx, opts, "listing", `{broken`, "", ""); err == nil {
		t.Fatal("expected malformed payload to be rejected")
	}

	out.Reset()
	if err := Sync(ctx, opts, "background-sync-listings"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !strings.Contains(out.String(), "background-sync-listings: replayed 1, failed 0") {
		t.Fatalf("unexpected sync output:\n%s", out.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "POST /api/listings Bearer tok" {
		t.Fatalf("unexpected origin requests: %v", paths)
	}
}

func TestSyncUnknownTagFails(t *testing.T) {
	installRunTestSeams(t)
	if err := Sync(context.Background(), testOptions(t), "periodic"); err == nil {
		t.Fatal("expected unknown tag error")
	}
}

func TestReloadClassifierAppliesFileRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("classify:\n  api_patterns: [\"/api/deals\"]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := reloadClassifier(path)
	if err != nil {
		t.Fatalf("reloadClassifier failed: %v", err)
	}
	if got := classifyPath(t, c, "https://shop.test/api/deals"); got != classify.API {
		t.Fatalf("expected api category, got %s", got)
	}
	if got := classifyPath(t, c, "https://shop.test/api/trending"); got == classify.API {
		t.Fatal("expected default api pattern to be replaced")
	}

	if err := os.WriteFile(path, []byte("classify:\n  api_patterns: [\"(\"]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := reloadClassifier(path); err == nil {
		t.Fatal("expected invalid pattern to fail")
	}
}

type setterFunc func(*classify.Classifier)

func (f setterFunc) SetClassifier(c *classify.Classifier) { f(c) }

func TestWatchConfigSwapsClassifierOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	got := make(chan *classify.Classifier, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, setterFunc(func(c *classify.Classifier) {
			select {
			case got <- c:
			default:
			}
		}), discardLogger())
	}()

	// keep writing until the watcher has registered
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var c *classify.Classifier
	for c == nil {
		select {
		case c = <-got:
			// a write can be observed before the new content lands
			if cat, _ := c.Classify(classify.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "img.test", Path: "/a/b"}}); cat != classify.Image {
				c = nil
			}
		case <-tick.C:
			_ = os.WriteFile(path, []byte("classify:\n  image_hosts: [\"img.test\"]\n"), 0o644)
		case <-deadline:
			cancel()
			t.Fatal("classifier was not reloaded")
		}
	}
	if cat := classifyPath(t, c, "https://img.test/a/b"); cat != classify.Image {
		t.Fatalf("expected image category from reloaded rules, got %s", cat)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchConfig returned %v", err)
	}
}

func classifyPath(t *testing.T, c *classify.Classifier, raw string) classify.Category {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	cat, ok := c.Classify(classify.Request{Method: http.MethodGet, URL: u})
	if !ok {
		t.Fatalf("expected %q to be handled", raw)
	}
	return cat
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
