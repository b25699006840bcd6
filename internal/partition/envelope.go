package partition

import (
	"encoding/json"
	"net/http"
	"time"
)

const envelopeVersion = 1

// envelope is the serialized form of one entry in the filesystem and Redis
// stores.
type envelope struct {
	Version  int         `json:"version"`
	Key      string      `json:"key"`
	Seq      uint64      `json:"seq"`
	StoredAt time.Time   `json:"stored_at"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
}

func newEnvelope(key string, seq uint64, resp *Response) envelope {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return envelope{
		Version:  envelopeVersion,
		Key:      key,
		Seq:      seq,
		StoredAt: storedAt,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
	}
}

func (e envelope) response() *Response {
	return &Response{
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		StoredAt: e.StoredAt,
	}
}

// decodeEnvelope returns ok=false for corrupt or foreign-version data.
func decodeEnvelope(data []byte, key string) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, false
	}
	if env.Version != envelopeVersion {
		return envelope{}, false
	}
	if key != "" && env.Key != key {
		return envelope{}, false
	}
	return env, true
}
