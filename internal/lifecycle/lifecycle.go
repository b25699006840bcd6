// Package lifecycle drives install and activation of a worker version and
// runs the cache maintenance commands pages can send.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"swcache/internal/partition"
	"swcache/internal/strategy"
)

// State is the lifecycle state of the worker.
type State int32

const (
	Idle State = iota
	Installing
	Installed
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

// DefaultManifest is the asset list pre-populated at install.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/icons/icon-72.png",
	"/icons/icon-96.png",
	"/icons/icon-128.png",
	"/icons/icon-144.png",
	"/icons/icon-152.png",
	"/icons/icon-192.png",
	"/icons/icon-384.png",
	"/icons/icon-512.png",
	"/og-image.jpg",
}

// Claimer takes control of open page sessions and reports how many it took.
type Claimer interface {
	Claim() int
}

// Storer writes a fetched response into a partition.
type Storer interface {
	Store(ctx context.Context, name, rawURL string, resp *partition.Response) error
}

type Config struct {
	Store    partition.Store
	Storer   Storer
	Fetcher  strategy.Fetcher
	Names    partition.Names
	Origin   string
	Manifest []string
	Sessions Claimer
	// Parallel bounds concurrent fetches during pre-population.
	Parallel int
	Logger   *slog.Logger
}

type Manager struct {
	cfg    Config
	origin *url.URL
	log    *slog.Logger

	state       atomic.Int32
	skipWaiting atomic.Bool
	preload     atomic.Bool
	mu          sync.Mutex
}

func New(cfg Config) (*Manager, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "invalid origin %q", cfg.Origin)
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cfg: cfg, origin: origin, log: logger}, nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// SkipWaiting marks the installed version to activate without waiting for
// old sessions to close.
func (m *Manager) SkipWaiting() {
	m.skipWaiting.Store(true)
}

func (m *Manager) WaitingSkipped() bool {
	return m.skipWaiting.Load()
}

// NavigationPreload reports whether navigations may start before the worker
// handles them.
func (m *Manager) NavigationPreload() bool {
	return m.preload.Load()
}

// Install pre-populates the static partition with the manifest and enables
// navigation preload. A failed pre-population is logged; the version still
// installs and skips waiting.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Store(int32(Installing))
	m.log.Info("installing", "assets", len(m.cfg.Manifest))

	if err := m.Prefetch(ctx); err != nil {
		m.log.Error("failed to cache static assets", "err", err)
	} else {
		m.log.Info("static assets cached")
	}
	m.preload.Store(true)
	m.state.Store(int32(Installed))
	m.SkipWaiting()
	return nil
}

// Prefetch fetches every manifest entry, bypassing HTTP caches, and stores
// them in the static partition. Nothing is stored unless every fetch
// succeeds.
func (m *Manager) Prefetch(ctx context.Context) error {
	header := http.Header{"Cache-Control": []string{"no-cache"}}
	return m.addAll(ctx, m.cfg.Names.Static, m.cfg.Manifest, header)
}

// Activate deletes every partition that does not belong to the current
// version and claims the open sessions. It returns the purged names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Store(int32(Activating))
	names, err := m.cfg.Store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var purged []string
	for _, name := range names {
		if m.cfg.Names.Current(name) {
			continue
		}
		m.log.Info("deleting obsolete partition", "partition", name)
		if _, err := m.cfg.Store.Delete(ctx, name); err != nil {
			return purged, fmt.Errorf("delete partition %q: %w", name, err)
		}
		purged = append(purged, name)
	}

	claimed := 0
	if m.cfg.Sessions != nil {
		claimed = m.cfg.Sessions.Claim()
	}
	m.state.Store(int32(Active))
	m.log.Info("activated", "purged", len(purged), "claimed", claimed)
	return purged, nil
}

// CacheURLs fetches urls and stores them in the dynamic partition. Nothing is
// stored unless every fetch succeeds.
func (m *Manager) CacheURLs(ctx context.Context, urls []string) error {
	return m.addAll(ctx, m.cfg.Names.Dynamic, urls, nil)
}

// ClearCache deletes every partition.
func (m *Manager) ClearCache(ctx context.Context) error {
	names, err := m.cfg.Store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if _, err := m.cfg.Store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %q: %w", name, err)
		}
	}
	m.log.Info("cache cleared", "partitions", len(names))
	return nil
}

// CacheSize sums the body bytes of every entry in every partition.
func (m *Manager) CacheSize(ctx context.Context) (int64, error) {
	names, err := m.cfg.Store.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}
	var total int64
	for _, name := range names {
		p, err := m.cfg.Store.Open(ctx, name)
		if err != nil {
			return 0, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			resp, err := p.Match(ctx, key)
			if err != nil {
				return 0, err
			}
			total += resp.Size()
		}
	}
	return total, nil
}

func (m *Manager) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid url %q", ref)
	}
	return m.origin.ResolveReference(u).String(), nil
}

func (m *Manager) addAll(ctx context.Context, name string, refs []string, header http.Header) error {
	targets := make([]string, len(refs))
	for i, ref := range refs {
		abs, err := m.resolve(ref)
		if err != nil {
			return err
		}
		targets[i] = abs
	}

	responses := make([]*partition.Response, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallel)
	for i, target := range targets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target, nil)
			if err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "build request for %s", target)
			}
			for k, v := range header {
				req.Header[k] = v
			}
			resp, err := m.cfg.Fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return platformerrors.Newf(platformerrors.CodeNetwork, "%s: unexpected status %d", target, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, target := range targets {
		if err := m.cfg.Storer.Store(ctx, name, target, responses[i]); err != nil {
			return err
		}
	}
	return nil
}
