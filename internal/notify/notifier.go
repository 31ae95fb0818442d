// Package notify fans decision summaries out to chat channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/transport"
)

const (
	slackPostMessageURL = "https://slack.com/api/chat.postMessage"
	lineNotifyURL       = "https://notify-api.line.me/api/notify"
)

// NotificationError means a channel kept failing past the retry
// budget, or rejected the message outright. It never affects the
// decision result.
type NotificationError struct {
	Channel string
	Detail  string
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %s", e.Channel, e.Detail)
}

// Notifier posts to Slack and LINE. Each channel is independent; a
// disabled or credential-less channel is skipped silently.
type Notifier struct {
	slack config.SlackSettings
	line  config.LineSettings
	retry transport.RetryPolicy
	httpc *http.Client
	log   zerolog.Logger

	slackURL string
	lineURL  string
}

func NewNotifier(settings config.NotifySettings, retry transport.RetryPolicy, logger zerolog.Logger) *Notifier {
	return &Notifier{
		slack:    settings.Slack,
		line:     settings.Line,
		retry:    retry,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		log:      logger.With().Str("component", "notify").Logger(),
		slackURL: slackPostMessageURL,
		lineURL:  lineNotifyURL,
	}
}

// SetEndpoints overrides the channel URLs, mainly for tests.
func (n *Notifier) SetEndpoints(slackURL, lineURL string) {
	n.slackURL = slackURL
	n.lineURL = lineURL
}

// PostSlack sends text via the API when a bot token and channel are
// configured, otherwise via the webhook.
func (n *Notifier) PostSlack(ctx context.Context, text string) error {
	if !n.slack.Enabled {
		n.log.Debug().Msg("slack disabled, skipping")
		return nil
	}
	switch {
	case n.slack.Token != "" && n.slack.Channel != "":
		return n.postSlackAPI(ctx, text)
	case n.slack.Webhook != "":
		return n.postSlackWebhook(ctx, text)
	default:
		n.log.Debug().Msg("slack credentials absent, skipping")
		return nil
	}
}

func (n *Notifier) postSlackAPI(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"channel": n.slack.Channel, "text": text})
	if err != nil {
		return &NotificationError{Channel: "slack", Detail: err.Error()}
	}
	return n.send(ctx, "slack", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.slackURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+n.slack.Token)
		return req, nil
	}, func(body []byte) error {
		var parsed struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
		if !parsed.OK {
			return errors.New("api error: " + parsed.Error)
		}
		return nil
	})
}

func (n *Notifier) postSlackWebhook(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return &NotificationError{Channel: "slack", Detail: err.Error()}
	}
	return n.send(ctx, "slack", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.slack.Webhook, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
}

// PostLine sends text through LINE Notify. A missing token falls back
// to the LINE_NOTIFY_TOKEN environment variable.
func (n *Notifier) PostLine(ctx context.Context, text string) error {
	if !n.line.Enabled {
		n.log.Debug().Msg("line disabled, skipping")
		return nil
	}
	token := n.line.Token
	if token == "" {
		token = os.Getenv("LINE_NOTIFY_TOKEN")
	}
	if token == "" {
		n.log.Debug().Msg("line token absent, skipping")
		return nil
	}
	form := url.Values{"message": {text}}.Encode()
	return n.send(ctx, "line", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.lineURL, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, nil)
}

// send posts with random-exponential retries. 429 and 5xx retry;
// other >= 400 statuses and check failures are fatal.
func (n *Notifier) send(ctx context.Context, channel string, build func(ctx context.Context) (*http.Request, error), check func(body []byte) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.retry.Base
	bo.MaxInterval = n.retry.MaxSleep
	bo.MaxElapsedTime = 0
	attempts := uint64(1)
	if n.retry.MaxAttempts > 1 {
		attempts = uint64(n.retry.MaxAttempts)
	}

	err := backoff.Retry(func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := n.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return err
			}
			var oe *net.OpError
			if errors.As(err, &oe) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, body))
		}
		if check != nil {
			if err := check(body); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
	if err != nil {
		return &NotificationError{Channel: channel, Detail: err.Error()}
	}
	n.log.Info().Str("channel", channel).Msg("notification sent")
	return nil
}
