package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/engine"
	xerrors "DeFi-Sentry/internal/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return "test" }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, len(r.events))
	for i, e := range r.events {
		out[i] = e.Code
	}
	return out
}

func tick(n uint64, allowed bool) engine.TickReport {
	return engine.TickReport{Tick: n, Allowed: allowed, Breaker: breaker.Status{ContinueRunning: true, WindowFailures: 3}}
}

func TestObserverAlertsOnBreakerOpenAndHalt(t *testing.T) {
	rec := &recordingNotifier{}
	obs := NewObserver(NewFanout(rec))
	ctx := context.Background()

	obs.ObserveTick(ctx, tick(1, true))
	obs.ObserveTick(ctx, tick(2, false))
	obs.ObserveTick(ctx, tick(3, false))
	obs.ObserveTick(ctx, tick(4, true))
	obs.ObserveTick(ctx, tick(5, false))

	halted := tick(6, false)
	halted.Halted = true
	halted.Breaker = breaker.Status{ContinueRunning: false, HaltReason: "连续多个 tick 出现失败"}
	obs.ObserveTick(ctx, halted)
	obs.ObserveTick(ctx, halted)

	assert.Equal(t, []xerrors.Code{CodeBreakerOpen, CodeBreakerOpen, xerrors.CodeBreakerHalted}, rec.codes())
	last := rec.events[2]
	assert.Equal(t, xerrors.SeverityCritical, last.Severity)
	assert.Equal(t, "连续多个 tick 出现失败", last.Metadata["reason"])
}

func TestObserverFollowsRegisteredAttributes(t *testing.T) {
	original := xerrors.AttributesOf(CodeBreakerOpen)
	t.Cleanup(func() { xerrors.Register(CodeBreakerOpen, original) })
	xerrors.Register(CodeBreakerOpen, xerrors.Attributes{Message: original.Message, Severity: xerrors.SeverityInfo})

	rec := &recordingNotifier{}
	obs := NewObserver(NewFanout(rec))
	obs.ObserveTick(context.Background(), tick(1, false))
	assert.Empty(t, rec.codes(), "a code registered without Alert is not sent")

	xerrors.Register(CodeBreakerOpen, xerrors.Attributes{Message: original.Message, Severity: xerrors.SeverityCritical, Alert: true})
	obs.ObserveTick(context.Background(), tick(2, true))
	obs.ObserveTick(context.Background(), tick(3, false))
	require.Len(t, rec.events, 1)
	assert.Equal(t, xerrors.SeverityCritical, rec.events[0].Severity)
	assert.Equal(t, "3", rec.events[0].Metadata["window_failures"])
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("boom")}
	err := NewFanout(ok, nil, broken).Notify(context.Background(), Event{Code: CodeBreakerOpen})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.events, 1, "a failing channel does not stop the others")

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("ops", srv.URL, time.Second)
	assert.Equal(t, Channel("webhook:ops"), n.Channel())
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeBreakerHalted, Message: "halted", Tick: 9}))
	assert.Equal(t, xerrors.CodeBreakerHalted, got.Code)
	assert.Equal(t, uint64(9), got.Tick)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier("ops", srv.URL, time.Second).Notify(context.Background(), Event{})
	assert.Error(t, err)
}

func TestLogNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, n.Notify(context.Background(), Event{
		Code:     CodeBreakerOpen,
		Message:  "paused",
		Metadata: map[string]string{"window_failures": "3"},
	}))
	assert.Contains(t, buf.String(), `"code":"BREAKER_OPEN"`)
	assert.Contains(t, buf.String(), `"window_failures":"3"`)
}

func TestFromConfig(t *testing.T) {
	d := FromConfig(config.AlertingConfig{
		Log:      true,
		Webhooks: []config.WebhookConfig{{Name: "a", URL: "http://example.invalid"}},
	})
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, 0, FromConfig(config.AlertingConfig{}).Len())
}
