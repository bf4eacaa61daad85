package remote

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// feedReadLimit caps change feed frames. Events are small JSON
	// notifications, never content.
	feedReadLimit = 1 * 1024 * 1024

	feedReconnectMin = 5 * time.Second
	feedReconnectMax = 5 * time.Minute

	// feedBackoffMultiplier is the exponential growth factor applied to
	// the reconnect backoff after each consecutive failure.
	feedBackoffMultiplier = 2

	// feedJitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/divisor).
	feedJitterDivisor = 2
)

// Feed subscribes to the remote change feed over WebSocket. Each change
// event nudges the reconciliation engine so another device's edits are
// pulled into the next pass rather than waiting for a local mutation.
type Feed struct {
	url    string
	token  TokenFunc
	notify func()
	logger *slog.Logger
}

// NewFeed creates a change feed subscriber. notify is called once per
// received change event; it must be cheap and non-blocking.
func NewFeed(url string, token TokenFunc, notify func(), logger *slog.Logger) *Feed {
	return &Feed{
		url:    url,
		token:  token,
		notify: notify,
		logger: logger,
	}
}

// Run connects and consumes events until ctx is cancelled, reconnecting
// with exponential backoff on connection loss. Feed errors never abort
// the daemon; the feed is an optimization over the debounce timer.
func (f *Feed) Run(ctx context.Context) error {
	backoff := feedReconnectMin

	for {
		connected, err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			// A completed dial resets the backoff so a drop after a
			// long-lived session reconnects promptly instead of waiting
			// out an inflated delay.
			backoff = feedReconnectMin
		}

		f.logger.Warn("change feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / feedJitterDivisor)) //nolint:gosec // reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*feedBackoffMultiplier, feedReconnectMax)
	}
}

// consume dials the feed endpoint and processes events until the
// connection drops or ctx is cancelled. The first return reports
// whether the dial succeeded.
func (f *Feed) consume(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + f.token()},
		},
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	conn.SetReadLimit(feedReadLimit)
	f.logger.Info("change feed connected", slog.String("url", f.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}

		if typ != websocket.MessageText {
			f.logger.Debug("unexpected binary frame on change feed", slog.Int("bytes", len(data)))
			continue
		}

		op := gjson.GetBytes(data, "op").Str
		if op != "changed" {
			f.logger.Debug("unexpected feed message", slog.String("op", op))
			continue
		}

		f.logger.Debug("remote change event",
			slog.String("kind", gjson.GetBytes(data, "kind").Str),
			slog.String("id", gjson.GetBytes(data, "id").Str),
		)
		f.notify()
	}
}
