package mutation

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

// Sync tags understood by Drain.
const (
	TagListings   = "background-sync-listings"
	TagMessages   = "background-sync-messages"
	genericPrefix = "sync-"
)

// TypeSyncComplete is the broadcast message type sent after a replay.
const TypeSyncComplete = "SYNC_COMPLETE"

// ErrUnknownTag is returned by Drain for tags it does not handle.
var ErrUnknownTag = platformerrors.New(platformerrors.CodeInvalidInput, "unknown sync tag")

// Message is posted to every controlled session.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Broadcaster delivers a message to every controlled session.
type Broadcaster interface {
	Broadcast(Message)
}

// Replayer sends one pending write to the origin.
type Replayer interface {
	Replay(ctx context.Context, endpoint string, rec Record) error
}

// HTTPReplayer posts records as JSON to BaseURL+endpoint with the record's
// bearer token.
type HTTPReplayer struct {
	Client  *http.Client
	BaseURL string
}

func (r *HTTPReplayer) Replay(ctx context.Context, endpoint string, rec Record) error {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	target := strings.TrimRight(r.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(rec.Payload))
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "build replay request")
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.Token != "" {
		req.Header.Set("Authorization", "Bearer "+rec.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeNetwork, "replay to %s", endpoint)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return platformerrors.Newf(platformerrors.CodeExecutionFailed, "replay to %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// Result summarises one drain.
type Result struct {
	Tag      string `json:"tag"`
	Replayed int    `json:"replayed"`
	Failed   int    `json:"failed"`
}

type route struct {
	kind     Kind
	endpoint string
	done     string
}

var routes = map[string]route{
	TagListings: {kind: KindListing, endpoint: "/api/listings", done: "Listing uploaded successfully"},
	TagMessages: {kind: KindMessage, endpoint: "/api/messages", done: "Message sent successfully"},
}

// Syncer drains the queue on sync triggers.
type Syncer struct {
	queue    *Queue
	replayer Replayer
	sessions Broadcaster
	log      *slog.Logger
}

func NewSyncer(queue *Queue, replayer Replayer, sessions Broadcaster, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{queue: queue, replayer: replayer, sessions: sessions, log: logger}
}

// Drain replays the records a tag covers, oldest first. A record is removed
// only after the origin accepted it; failed records stay queued for the next
// trigger. Listing and message tags broadcast once per replayed record.
// "sync-<name>" tags replay generic records of kind <name> and always
// broadcast a single completion message.
func (s *Syncer) Drain(ctx context.Context, tag string) (Result, error) {
	result := Result{Tag: tag}
	s.log.Info("background sync", "tag", tag)

	if r, ok := routes[tag]; ok {
		err := s.drainKind(ctx, r.kind, func(Record) string { return r.endpoint }, r.done, &result)
		return result, err
	}

	name := strings.TrimPrefix(tag, genericPrefix)
	if !strings.HasPrefix(tag, genericPrefix) || name == "" {
		return result, ErrUnknownTag
	}
	// names that cannot be queue kinds have nothing stored; they still complete
	kind := Kind(name)
	if kind.Generic() && kind.validate() == nil {
		err := s.drainKind(ctx, kind, func(rec Record) string { return rec.Endpoint }, "", &result)
		if err != nil {
			return result, err
		}
	}
	s.broadcast("Data synchronized")
	return result, nil
}

func (s *Syncer) drainKind(ctx context.Context, kind Kind, endpoint func(Record) string, done string, result *Result) error {
	records, err := s.queue.Pending(ctx, kind)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.replayer.Replay(ctx, endpoint(rec), rec); err != nil {
			result.Failed++
			s.log.Warn("replay failed", "kind", kind, "id", rec.ID, "err", err)
			continue
		}
		if err := s.queue.Remove(ctx, kind, rec.ID); err != nil {
			s.log.Error("remove replayed record", "kind", kind, "id", rec.ID, "err", err)
		}
		result.Replayed++
		if done != "" {
			s.broadcast(done)
		}
	}
	s.log.Info("sync drained", "kind", kind, "replayed", result.Replayed, "failed", result.Failed)
	return nil
}

func (s *Syncer) broadcast(text string) {
	if s.sessions == nil {
		return
	}
	s.sessions.Broadcast(Message{Type: TypeSyncComplete, Message: text})
}
