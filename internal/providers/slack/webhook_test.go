package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/pawbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostMessage(t *testing.T) {
	var got webhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewWebhook(server.URL, server.Client())
	require.NoError(t, provider.PostMessage(context.Background(), "#billing-ops", "subscription 42 is past due"))
	assert.Equal(t, "#billing-ops", got.Channel)
	assert.Equal(t, "subscription 42 is past due", got.Text)
}

func TestWebhookPostMessageErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewWebhook(server.URL, server.Client()).PostMessage(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestNewFromConfigWithoutWebhookIsDisabled(t *testing.T) {
	provider := NewFromConfig(config.Config{})
	assert.IsType(t, Disabled{}, provider)
	require.NoError(t, provider.PostMessage(context.Background(), "#billing-ops", "past due"))

	provider = NewFromConfig(config.Config{Slack: config.SlackConfig{WebhookURL: "https://hooks.slack.test/x"}})
	assert.IsType(t, &WebhookProvider{}, provider)
}
