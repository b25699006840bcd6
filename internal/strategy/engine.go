// Package strategy implements the per-category caching strategies that turn
// an intercepted request into a response.
package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"

	"swcache/internal/classify"
	"swcache/internal/partition"
	"swcache/internal/quota"
)

// QuotaEnforcer trims a partition after a write.
type QuotaEnforcer interface {
	Enforce(ctx context.Context, name string) (quota.Report, error)
}

// Request is one intercepted request.
type Request struct {
	HTTP     *http.Request
	Navigate bool
	// Preload is a navigation response obtained ahead of the request.
	Preload *partition.Response
	// AllowStale marks API requests that tolerate a stale cached copy.
	AllowStale bool
}

func (r Request) key() string {
	key, _ := partition.RequestKey(r.HTTP)
	return key
}

// Config wires an Engine.
type Config struct {
	Store      partition.Store
	Fetcher    Fetcher
	Names      partition.Names
	Quota      QuotaEnforcer
	Background *Background
	// RootURL is the absolute URL of the root document used as the offline
	// fallback for navigations.
	RootURL string
	Logger  *slog.Logger
}

type Engine struct {
	store   partition.Store
	fetcher Fetcher
	names   partition.Names
	quota   QuotaEnforcer
	bg      *Background
	rootKey string
	log     *slog.Logger
	flight  singleflight.Group
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bg := cfg.Background
	if bg == nil {
		bg = NewBackground(0, logger)
	}
	return &Engine{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		names:   cfg.Names,
		quota:   cfg.Quota,
		bg:      bg,
		rootKey: partition.Key(cfg.RootURL),
		log:     logger,
	}
}

// Background returns the runner used for refreshes.
func (e *Engine) Background() *Background {
	return e.bg
}

// Dispatch routes req to the strategy for its category.
func (e *Engine) Dispatch(ctx context.Context, req Request, cat classify.Category) (*partition.Response, error) {
	switch cat {
	case classify.Static:
		return e.CacheFirst(ctx, req, e.names.Static)
	case classify.Image:
		return e.CacheFirst(ctx, req, e.names.Images)
	case classify.API:
		return e.NetworkFirst(ctx, req, e.names.API, req.AllowStale)
	case classify.Navigation:
		return e.Navigate(ctx, req)
	default:
		return e.StaleWhileRevalidate(ctx, req, e.names.Dynamic)
	}
}

// CacheFirst serves a cached copy when one exists and refreshes it in the
// background. On a miss it fetches and stores.
func (e *Engine) CacheFirst(ctx context.Context, req Request, name string) (*partition.Response, error) {
	return e.cachedOrFetch(ctx, req, name)
}

// NetworkFirst prefers the network. On a network failure it falls back to
// the cached copy, then to the root document for navigations.
func (e *Engine) NetworkFirst(ctx context.Context, req Request, name string, allowStale bool) (*partition.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req.HTTP)
	if err == nil {
		if resp.OK() {
			stored := resp.Clone()
			e.bg.Submit(ctx, "store "+name, func(ctx context.Context) error {
				_, err := e.fetchAndStore(ctx, req, name, stored)
				return err
			})
		}
		return resp, nil
	}

	e.log.Debug("network failed, trying cache",
		"partition", name,
		"url", req.HTTP.URL.String(),
		"allow_stale", allowStale,
		"err", err,
	)
	if cached, _ := e.Match(ctx, req.key()); cached != nil {
		return cached, nil
	}
	if req.Navigate {
		if root, _ := e.Match(ctx, e.rootKey); root != nil {
			return root, nil
		}
	}
	return nil, err
}

// StaleWhileRevalidate serves a cached copy and refreshes it in the
// background. On a miss it waits for the fetch.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req Request, name string) (*partition.Response, error) {
	return e.cachedOrFetch(ctx, req, name)
}

func (e *Engine) cachedOrFetch(ctx context.Context, req Request, name string) (*partition.Response, error) {
	cached, err := e.Match(ctx, req.key())
	if err != nil {
		e.log.Warn("cache lookup failed", "partition", name, "url", req.HTTP.URL.String(), "err", err)
	}
	if cached != nil {
		e.refresh(ctx, req, name)
		return cached, nil
	}
	return e.fetchAndStore(ctx, req, name, nil)
}

// Navigate serves a page navigation from the preload response or the
// network, storing it in the dynamic partition. Offline it falls back to a
// cached copy of the page and then to the root document.
func (e *Engine) Navigate(ctx context.Context, req Request) (*partition.Response, error) {
	resp := req.Preload
	var err error
	if resp == nil {
		resp, err = e.fetcher.Fetch(ctx, req.HTTP)
	}
	if err == nil {
		if resp.OK() {
			stored := resp.Clone()
			e.bg.Submit(ctx, "store navigation", func(ctx context.Context) error {
				_, err := e.fetchAndStore(ctx, req, e.names.Dynamic, stored)
				return err
			})
		}
		return resp, nil
	}

	if cached, _ := e.Match(ctx, req.key()); cached != nil {
		return cached, nil
	}
	if root, _ := e.Match(ctx, e.rootKey); root != nil {
		return root, nil
	}
	return nil, err
}

// Match looks key up in the current partitions in lookup order and returns
// the first hit, or nil.
func (e *Engine) Match(ctx context.Context, key string) (*partition.Response, error) {
	if key == "" {
		return nil, nil
	}
	var firstErr error
	for _, name := range e.names.All() {
		p, err := e.store.Open(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp, err := p.Match(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, firstErr
}

// Root returns the cached root document, or nil.
func (e *Engine) Root(ctx context.Context) (*partition.Response, error) {
	return e.Match(ctx, e.rootKey)
}

func (e *Engine) refresh(ctx context.Context, req Request, name string) {
	flightKey := name + "\x00" + req.key()
	bgReq := req
	e.bg.Go(ctx, "refresh "+name, func(ctx context.Context) error {
		_, err, _ := e.flight.Do(flightKey, func() (any, error) {
			return e.fetchAndStore(ctx, bgReq, name, nil)
		})
		return err
	})
}

// fetchAndStore fetches req unless resp is given, stores 2xx responses in the
// named partition and enforces its quota. Store failures are logged; the
// response is still returned.
func (e *Engine) fetchAndStore(ctx context.Context, req Request, name string, resp *partition.Response) (*partition.Response, error) {
	if resp == nil {
		var err error
		resp, err = e.fetcher.Fetch(ctx, req.HTTP)
		if err != nil {
			return nil, err
		}
	}
	if !resp.OK() {
		return resp, nil
	}
	key, ok := partition.RequestKey(req.HTTP)
	if !ok {
		return resp, nil
	}
	if err := e.put(ctx, name, key, resp.Clone()); err != nil {
		e.log.Warn("cache store failed", "partition", name, "url", req.HTTP.URL.String(), "err", err)
	}
	return resp, nil
}

func (e *Engine) put(ctx context.Context, name, key string, resp *partition.Response) error {
	p, err := e.store.Open(ctx, name)
	if err != nil {
		return err
	}
	if err := p.Put(ctx, key, resp); err != nil {
		return err
	}
	if e.quota != nil {
		if _, err := e.quota.Enforce(ctx, name); err != nil {
			e.log.Warn("quota enforcement failed", "partition", name, "err", err)
		}
	}
	return nil
}

// Store puts resp under the GET identity of rawURL in the named partition.
// It is used by install pre-population and explicit cache commands.
func (e *Engine) Store(ctx context.Context, name, rawURL string, resp *partition.Response) error {
	if !resp.OK() {
		return platformerrors.Newf(platformerrors.CodeNetwork, "%s: unexpected status %d", rawURL, resp.Status)
	}
	if err := e.put(ctx, name, partition.Key(rawURL), resp.Clone()); err != nil {
		return fmt.Errorf("store %s: %w", rawURL, err)
	}
	return nil
}
