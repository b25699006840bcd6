package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/lifecycle"
	"swcache/internal/mutation"
	"swcache/internal/notify"
	"swcache/internal/worker"
)

const maxControlBody = 1 << 20

// Handler serves the worker's control endpoints and proxies everything else
// through the worker as fetch events. Heartbeat is the keep-alive interval
// of event streams.
type Handler struct {
	Worker    *worker.Worker
	Queue     *mutation.Queue
	Origin    *url.URL
	Log       *slog.Logger
	Heartbeat time.Duration
}

// hop-by-hop headers are not copied between client and origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy turns the incoming request into a fetch event against the origin.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	target := h.Origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "build upstream request"))
		return
	}
	out.Header = r.Header.Clone()
	for _, hh := range hopHeaders {
		out.Header.Del(hh)
	}
	out.ContentLength = r.ContentLength

	res, err := h.Worker.Handle(r.Context(), worker.FetchEvent{
		Request:  out,
		Navigate: r.Header.Get("Sec-Fetch-Mode") == "navigate",
	})
	if err != nil {
		h.Log.Warn("fetch failed", "req_id", requestIDFromCtx(r.Context()), "url", target.Redacted(), "err", err)
		writeError(w, r, err)
		return
	}
	if res.Response == nil {
		writeError(w, r, platformerrors.New(platformerrors.CodeNotFound, "no response"))
		return
	}

	for k, v := range res.Response.Header {
		w.Header()[k] = append([]string(nil), v...)
	}
	for _, hh := range hopHeaders {
		w.Header().Del(hh)
	}
	w.Header().Del("Content-Length")
	if !res.Passthrough {
		w.Header().Set("X-SW-Category", res.Category.String())
	}
	w.WriteHeader(res.Response.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Response.Body)
	}
}

// Events streams broadcast messages to one page session as Server-Sent
// Events. The page identifies itself with ?url=.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sessions := h.Worker.Sessions()
	controlled := h.Worker.Lifecycle().State() == lifecycle.Active
	sess := sessions.Join(r.URL.Query().Get("url"), controlled)
	defer sessions.Leave(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: session\ndata: {\"id\":%q,\"controlled\":%t}\n\n", sess.ID, controlled)
	if err := rc.Flush(); err != nil {
		h.Log.Warn("event stream not flushable", "err", err)
		return
	}

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
		case msg, ok := <-sess.C():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// Message runs a page command and replies with the command's answer.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "read message"))
		return
	}
	res, err := h.Worker.Handle(r.Context(), worker.MessageEvent{Data: body})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res.Reply)
}

// Sync fires a background-sync trigger.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag == "" {
		writeError(w, r, platformerrors.New(platformerrors.CodeInvalidInput, "tag is required"))
		return
	}
	res, err := h.Worker.Handle(r.Context(), worker.SyncEvent{Tag: tag})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res.Sync)
}

// Push builds the notification for a push payload. Dropped payloads get 204.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "read push payload"))
		return
	}
	res, err := h.Worker.Handle(r.Context(), worker.PushEvent{Data: body})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Notification == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, r, http.StatusOK, res.Notification)
}

type clickRequest struct {
	Action string           `json:"action"`
	Data   notify.ClickData `json:"data"`
}

// NotificationClick resolves where a notification click navigates.
func (h *Handler) NotificationClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "decode click"))
		return
	}
	res, err := h.Worker.Handle(r.Context(), worker.NotificationClickEvent{Action: req.Action, Data: req.Data})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res.Click)
}

type enqueueRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Token    string          `json:"token"`
	Endpoint string          `json:"endpoint"`
}

// Enqueue stores a write the page could not deliver.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "decode pending write"))
		return
	}
	id, err := h.Queue.Enqueue(r.Context(), mutation.Record{
		Kind:     mutation.Kind(r.PathValue("kind")),
		Payload:  req.Payload,
		Token:    req.Token,
		Endpoint: req.Endpoint,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]int64{"id": id})
}

// Health reports the lifecycle state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"state":    h.Worker.Lifecycle().State().String(),
		"sessions": h.Worker.Sessions().Len(),
	})
}
