// Package notify turns push payloads into notification descriptors and
// notification clicks into navigation targets.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	DefaultTag   = "trustmarket-notification"
)

// Action is a button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is what the host displays for a push.
type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body,omitempty"`
	Icon               string          `json:"icon"`
	Badge              string          `json:"badge"`
	Image              string          `json:"image,omitempty"`
	Vibrate            []int           `json:"vibrate"`
	Data               json.RawMessage `json:"data,omitempty"`
	Actions            []Action        `json:"actions"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Tag                string          `json:"tag"`
	Renotify           bool            `json:"renotify"`
}

type pushPayload struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Image              string          `json:"image"`
	Data               json.RawMessage `json:"data"`
	Actions            []Action        `json:"actions"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Tag                string          `json:"tag"`
}

// ParsePush builds the notification for a push payload. ok is false for an
// empty or malformed payload, or one without a title.
func ParsePush(data []byte) (Notification, bool) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Notification{}, false
	}
	var p pushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, false
	}
	if strings.TrimSpace(p.Title) == "" {
		return Notification{}, false
	}

	n := Notification{
		Title:              p.Title,
		Body:               p.Body,
		Icon:               DefaultIcon,
		Badge:              DefaultBadge,
		Image:              p.Image,
		Vibrate:            []int{200, 100, 200},
		Data:               p.Data,
		Actions:            p.Actions,
		RequireInteraction: p.RequireInteraction,
		Silent:             p.Silent,
		Tag:                p.Tag,
		Renotify:           true,
	}
	if len(n.Actions) == 0 {
		n.Actions = []Action{
			{Action: "view", Title: "View"},
			{Action: "dismiss", Title: "Dismiss"},
		}
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	return n, true
}

// ClickData is the data attached to a clicked notification.
type ClickData struct {
	ListingID      string `json:"listingId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	URL            string `json:"url"`
}

// UnmarshalJSON accepts ids as strings or numbers.
func (d *ClickData) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.ListingID = idString(raw["listingId"])
	d.ConversationID = idString(raw["conversationId"])
	d.UserID = idString(raw["userId"])
	if u, ok := raw["url"].(string); ok {
		d.URL = u
	}
	return nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

// ClickTarget returns the URL a notification click navigates to. open is
// false when the click dismisses the notification.
func ClickTarget(action string, data ClickData) (string, bool) {
	switch {
	case action == "dismiss":
		return "", false
	case action == "view_listing" && data.ListingID != "":
		return "/listing/" + data.ListingID, true
	case action == "view_message" && data.ConversationID != "":
		return "/messages/" + data.ConversationID, true
	case action == "view_profile" && data.UserID != "":
		return "/profile/" + data.UserID, true
	case data.URL != "":
		return data.URL, true
	default:
		return "/", true
	}
}
