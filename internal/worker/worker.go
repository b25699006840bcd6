// Package worker routes the events a service worker receives to the cache,
// lifecycle, sync and notification components.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/classify"
	"swcache/internal/lifecycle"
	"swcache/internal/mutation"
	"swcache/internal/notify"
	"swcache/internal/partition"
	"swcache/internal/strategy"
)

// Event is one of the event types below.
type Event interface {
	eventName() string
}

// FetchEvent is a request issued by a page.
type FetchEvent struct {
	Request  *http.Request
	Navigate bool
	Preload  *partition.Response
}

type InstallEvent struct{}

type ActivateEvent struct{}

// SyncEvent is a background-sync trigger.
type SyncEvent struct {
	Tag string
}

// PushEvent carries a raw push payload.
type PushEvent struct {
	Data []byte
}

type NotificationClickEvent struct {
	Action string
	Data   notify.ClickData
}

// MessageEvent carries a JSON command from a page.
type MessageEvent struct {
	Data []byte
}

func (FetchEvent) eventName() string             { return "fetch" }
func (InstallEvent) eventName() string           { return "install" }
func (ActivateEvent) eventName() string          { return "activate" }
func (SyncEvent) eventName() string              { return "sync" }
func (PushEvent) eventName() string              { return "push" }
func (NotificationClickEvent) eventName() string { return "notificationclick" }
func (MessageEvent) eventName() string           { return "message" }

// Click is the outcome of a notification click. Exactly one of Focus and
// Open is set when URL is not empty.
type Click struct {
	URL   string `json:"url,omitempty"`
	Focus string `json:"focus,omitempty"`
	Open  bool   `json:"open,omitempty"`
}

// Result is what handling an event produced. Only the fields relevant to the
// event type are set.
type Result struct {
	Response     *partition.Response
	Category     classify.Category
	Passthrough  bool
	Purged       []string
	Sync         *mutation.Result
	Notification *notify.Notification
	Click        *Click
	Reply        any
}

// Commands a page can send.
const (
	CmdSkipWaiting  = "SKIP_WAITING"
	CmdCacheURLs    = "CACHE_URLS"
	CmdClearCache   = "CLEAR_CACHE"
	CmdGetCacheSize = "GET_CACHE_SIZE"
)

// Command is a page message.
type Command struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// StatusReply answers commands that succeed or fail.
type StatusReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SizeReply answers GET_CACHE_SIZE.
type SizeReply struct {
	Size int64 `json:"size"`
}

type Config struct {
	Classifier *classify.Classifier
	Engine     *strategy.Engine
	Lifecycle  *lifecycle.Manager
	Syncer     *mutation.Syncer
	Sessions   *Sessions
	Fetcher    strategy.Fetcher
	Logger     *slog.Logger
}

type Worker struct {
	classifier atomic.Pointer[classify.Classifier]
	engine     *strategy.Engine
	lifecycle  *lifecycle.Manager
	syncer     *mutation.Syncer
	sessions   *Sessions
	fetcher    strategy.Fetcher
	log        *slog.Logger
}

func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Worker{
		engine:    cfg.Engine,
		lifecycle: cfg.Lifecycle,
		syncer:    cfg.Syncer,
		sessions:  cfg.Sessions,
		fetcher:   cfg.Fetcher,
		log:       logger,
	}
	w.classifier.Store(cfg.Classifier)
	return w
}

// SetClassifier swaps the classification rules for subsequent requests.
func (w *Worker) SetClassifier(c *classify.Classifier) {
	if c == nil {
		return
	}
	w.classifier.Store(c)
	w.log.Info("classifier updated", "rules", c.String())
}

func (w *Worker) Sessions() *Sessions {
	return w.sessions
}

func (w *Worker) Lifecycle() *lifecycle.Manager {
	return w.lifecycle
}

// Handle processes one event.
func (w *Worker) Handle(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case FetchEvent:
		return w.fetch(ctx, e)
	case InstallEvent:
		return Result{}, w.lifecycle.Install(ctx)
	case ActivateEvent:
		purged, err := w.lifecycle.Activate(ctx)
		return Result{Purged: purged}, err
	case SyncEvent:
		res, err := w.syncer.Drain(ctx, e.Tag)
		if errors.Is(err, mutation.ErrUnknownTag) {
			w.log.Debug("sync tag ignored", "tag", e.Tag)
		}
		return Result{Sync: &res}, err
	case PushEvent:
		n, ok := notify.ParsePush(e.Data)
		if !ok {
			w.log.Debug("push payload dropped", "bytes", len(e.Data))
			return Result{}, nil
		}
		return Result{Notification: &n}, nil
	case NotificationClickEvent:
		return Result{Click: w.click(e)}, nil
	case MessageEvent:
		reply, err := w.message(ctx, e.Data)
		return Result{Reply: reply}, err
	case nil:
		return Result{}, platformerrors.New(platformerrors.CodeInvalidInput, "nil event")
	default:
		return Result{}, platformerrors.Newf(platformerrors.CodeInvalidInput, "unsupported event %q", ev.eventName())
	}
}

func (w *Worker) fetch(ctx context.Context, ev FetchEvent) (Result, error) {
	if ev.Request == nil {
		return Result{}, platformerrors.New(platformerrors.CodeInvalidInput, "fetch event without request")
	}
	c := w.classifier.Load()
	cat, ok := c.Classify(classify.Request{
		Method:   ev.Request.Method,
		URL:      ev.Request.URL,
		Navigate: ev.Navigate,
	})
	if !ok {
		resp, err := w.fetcher.Fetch(ctx, ev.Request)
		return Result{Response: resp, Passthrough: true}, err
	}

	req := strategy.Request{HTTP: ev.Request, Navigate: ev.Navigate}
	if w.lifecycle == nil || w.lifecycle.NavigationPreload() {
		req.Preload = ev.Preload
	}
	if cat == classify.API {
		req.AllowStale = c.AllowStale(ev.Request.URL.String())
	}
	resp, err := w.engine.Dispatch(ctx, req, cat)
	if err != nil {
		return Result{Category: cat}, fmt.Errorf("%s %s: %w", cat, ev.Request.URL.Redacted(), err)
	}
	return Result{Response: resp, Category: cat}, nil
}

func (w *Worker) click(ev NotificationClickEvent) *Click {
	url, open := notify.ClickTarget(ev.Action, ev.Data)
	if !open {
		return &Click{}
	}
	if id, ok := w.sessions.Focus(url); ok {
		return &Click{URL: url, Focus: id}
	}
	return &Click{URL: url, Open: true}
}

func (w *Worker) message(ctx context.Context, data []byte) (any, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "malformed message")
	}
	w.log.Debug("message received", "type", cmd.Type)

	switch cmd.Type {
	case CmdSkipWaiting:
		w.lifecycle.SkipWaiting()
		return StatusReply{Success: true}, nil
	case CmdCacheURLs:
		if err := w.lifecycle.CacheURLs(ctx, cmd.URLs); err != nil {
			return StatusReply{Error: err.Error()}, nil
		}
		return StatusReply{Success: true}, nil
	case CmdClearCache:
		if err := w.lifecycle.ClearCache(ctx); err != nil {
			return StatusReply{Error: err.Error()}, nil
		}
		return StatusReply{Success: true}, nil
	case CmdGetCacheSize:
		size, err := w.lifecycle.CacheSize(ctx)
		if err != nil {
			return StatusReply{Error: err.Error()}, nil
		}
		return SizeReply{Size: size}, nil
	default:
		return StatusReply{Error: fmt.Sprintf("unknown command %q", cmd.Type)}, nil
	}
}
