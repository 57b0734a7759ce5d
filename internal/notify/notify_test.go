package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/quality"
)

var (
	_ quality.Notifier = (*LogNotifier)(nil)
	_ quality.Notifier = (*WebhookNotifier)(nil)
)

func sampleAlert() quality.Alert {
	return quality.Alert{
		Code:           quality.AlertFalsePositiveRate,
		Severity:       quality.SeverityMedium,
		Message:        "false-positive rate 8.0% above 5.0% over 50 samples",
		Recommendation: "raise the auto-approve threshold",
		RaisedAt:       time.Date(2026, 6, 2, 15, 0, 0, 0, time.UTC),
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zap.NewNop())
	assert.Equal(t, "log", n.Name())
	assert.NoError(t, n.Notify(context.Background(), sampleAlert()))

	assert.NotPanics(t, func() {
		_ = NewLogNotifier(nil).Notify(context.Background(), sampleAlert())
	})
}

func TestWebhookNotifierDeliversAlert(t *testing.T) {
	var got webhookPayload
	var method, contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "webhook", n.Name())

	alert := sampleAlert()
	require.NoError(t, n.Notify(context.Background(), alert))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, alert.Code, got.Code)
	assert.Equal(t, string(alert.Severity), got.Severity)
	assert.Equal(t, alert.Message, got.Message)
	assert.Equal(t, alert.Recommendation, got.Recommendation)
	assert.WithinDuration(t, alert.RaisedAt, got.RaisedAt, time.Second)
}

func TestWebhookNotifierSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "alert pipeline on fire", http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, time.Second)
	require.NoError(t, err)

	err = n.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Contains(t, err.Error(), "alert pipeline on fire")
}

func TestWebhookNotifierHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(server.URL, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, n.Notify(ctx, sampleAlert()))
}

func TestNewWebhookNotifierValidation(t *testing.T) {
	_, err := NewWebhookNotifier("ftp://alerts.internal", time.Second)
	assert.ErrorContains(t, err, "must use http or https")

	_, err = NewWebhookNotifier("", time.Second)
	assert.Error(t, err)

	n, err := NewWebhookNotifier("https://alerts.internal/hook", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultWebhookTimeout, n.httpClient.Timeout)
}
