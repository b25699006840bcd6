package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushDefaults(t *testing.T) {
	n, ok := ParsePush([]byte(`{"title":"New offer","body":"Someone wants your bike","data":{"listingId":"42"}}`))
	require.True(t, ok)

	assert.Equal(t, "New offer", n.Title)
	assert.Equal(t, "Someone wants your bike", n.Body)
	assert.Equal(t, DefaultIcon, n.Icon)
	assert.Equal(t, DefaultBadge, n.Badge)
	assert.Equal(t, []int{200, 100, 200}, n.Vibrate)
	assert.Equal(t, []Action{{Action: "view", Title: "View"}, {Action: "dismiss", Title: "Dismiss"}}, n.Actions)
	assert.Equal(t, DefaultTag, n.Tag)
	assert.True(t, n.Renotify)
	assert.False(t, n.RequireInteraction)
	assert.False(t, n.Silent)
	assert.JSONEq(t, `{"listingId":"42"}`, string(n.Data))
}

func TestParsePushOverrides(t *testing.T) {
	n, ok := ParsePush([]byte(`{
		"title": "Message",
		"image": "https://cdn.test/p.png",
		"actions": [{"action":"view_message","title":"Reply"}],
		"requireInteraction": true,
		"silent": true,
		"tag": "chat-7"
	}`))
	require.True(t, ok)
	assert.Equal(t, []Action{{Action: "view_message", Title: "Reply"}}, n.Actions)
	assert.Equal(t, "chat-7", n.Tag)
	assert.Equal(t, "https://cdn.test/p.png", n.Image)
	assert.True(t, n.RequireInteraction)
	assert.True(t, n.Silent)
	assert.True(t, n.Renotify)
}

func TestParsePushDropsBadPayloads(t *testing.T) {
	for _, payload := range []string{"", "   ", "not json", `{"body":"no title"}`, `[1,2]`} {
		_, ok := ParsePush([]byte(payload))
		assert.False(t, ok, payload)
	}
}

func TestNotificationJSON(t *testing.T) {
	n, ok := ParsePush([]byte(`{"title":"t"}`))
	require.True(t, ok)
	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"renotify":true`)
	assert.Contains(t, string(out), `"vibrate":[200,100,200]`)
}

func TestClickTarget(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		data     string
		wantURL  string
		wantOpen bool
	}{
		{name: "dismiss", action: "dismiss", data: `{"url":"/x"}`, wantOpen: false},
		{name: "listing", action: "view_listing", data: `{"listingId":"42"}`, wantURL: "/listing/42", wantOpen: true},
		{name: "numeric listing id", action: "view_listing", data: `{"listingId":42}`, wantURL: "/listing/42", wantOpen: true},
		{name: "message", action: "view_message", data: `{"conversationId":"c9"}`, wantURL: "/messages/c9", wantOpen: true},
		{name: "profile", action: "view_profile", data: `{"userId":"u1"}`, wantURL: "/profile/u1", wantOpen: true},
		{name: "listing without id uses url", action: "view_listing", data: `{"url":"/deals"}`, wantURL: "/deals", wantOpen: true},
		{name: "plain click with url", action: "", data: `{"url":"/messages"}`, wantURL: "/messages", wantOpen: true},
		{name: "default", action: "view", data: `{}`, wantURL: "/", wantOpen: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data ClickData
			require.NoError(t, json.Unmarshal([]byte(tt.data), &data))
			url, open := ClickTarget(tt.action, data)
			assert.Equal(t, tt.wantOpen, open)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}
