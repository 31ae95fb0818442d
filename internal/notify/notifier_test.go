package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/transport"
)

func newNotifier(settings config.NotifySettings) *Notifier {
	return NewNotifier(settings,
		transport.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, MaxSleep: 5 * time.Millisecond},
		zerolog.Nop(),
	)
}

func TestPostSlackDisabledIsSkipped(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{Enabled: false, Webhook: srv.URL}})
	n.SetEndpoints(srv.URL, srv.URL)
	require.NoError(t, n.PostSlack(context.Background(), "hello"))
	require.EqualValues(t, 0, calls.Load())
}

func TestPostSlackMissingCredentialsIsSkipped(t *testing.T) {
	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{Enabled: true}})
	require.NoError(t, n.PostSlack(context.Background(), "hello"))
}

func TestPostSlackWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "buy B000TEST01", payload["text"])
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{Enabled: true, Webhook: srv.URL}})
	require.NoError(t, n.PostSlack(context.Background(), "buy B000TEST01"))
	require.EqualValues(t, 2, calls.Load())
}

func TestPostSlackWebhookClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no_service", http.StatusNotFound)
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{Enabled: true, Webhook: srv.URL}})
	err := n.PostSlack(context.Background(), "hello")
	var notifyErr *NotificationError
	require.ErrorAs(t, err, &notifyErr)
	require.Equal(t, "slack", notifyErr.Channel)
	require.EqualValues(t, 1, calls.Load())
}

func TestPostSlackAPIUsesBotToken(t *testing.T) {
	var captured http.Header
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{
		Enabled: true, Token: "xoxb-test", Channel: "#deals",
		Webhook: "https://hooks.example.com/unused",
	}})
	n.SetEndpoints(srv.URL, srv.URL)
	require.NoError(t, n.PostSlack(context.Background(), "summary"))
	require.Equal(t, "Bearer xoxb-test", captured.Get("Authorization"))
	require.Equal(t, "#deals", payload["channel"])
	require.Equal(t, "summary", payload["text"])
}

func TestPostSlackAPIRejectionIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Slack: config.SlackSettings{Enabled: true, Token: "xoxb", Channel: "#x"}})
	n.SetEndpoints(srv.URL, srv.URL)
	err := n.PostSlack(context.Background(), "summary")
	var notifyErr *NotificationError
	require.ErrorAs(t, err, &notifyErr)
	require.Contains(t, notifyErr.Detail, "channel_not_found")
	require.EqualValues(t, 1, calls.Load())
}

func TestPostLineSendsForm(t *testing.T) {
	var captured http.Header
	var message string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		require.NoError(t, r.ParseForm())
		message = r.PostForm.Get("message")
		w.Write([]byte(`{"status":200}`))
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Line: config.LineSettings{Enabled: true, Token: "line-token"}})
	n.SetEndpoints(srv.URL, srv.URL)
	require.NoError(t, n.PostLine(context.Background(), "deal found"))
	require.Equal(t, "Bearer line-token", captured.Get("Authorization"))
	require.Equal(t, "deal found", message)
}

func TestPostLineTokenFromEnvironment(t *testing.T) {
	t.Setenv("LINE_NOTIFY_TOKEN", "env-line-token")
	var captured http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.Write([]byte(`{"status":200}`))
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Line: config.LineSettings{Enabled: true}})
	n.SetEndpoints(srv.URL, srv.URL)
	require.NoError(t, n.PostLine(context.Background(), "deal"))
	require.Equal(t, "Bearer env-line-token", captured.Get("Authorization"))
}

func TestPostLineWithoutTokenIsSkipped(t *testing.T) {
	t.Setenv("LINE_NOTIFY_TOKEN", "")
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := newNotifier(config.NotifySettings{Line: config.LineSettings{Enabled: true}})
	n.SetEndpoints(srv.URL, srv.URL)
	require.NoError(t, n.PostLine(context.Background(), "deal"))
	require.EqualValues(t, 0, calls.Load())
}
