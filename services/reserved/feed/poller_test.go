package feed

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raac/native/reserve"
	"raac/observability"
	"raac/services/reserved/registry"
)

const genesis = 1_700_000_000

func newRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(func() time.Time { return time.Unix(genesis, 0) }, observability.Reserve())
	for _, id := range ids {
		engine, err := reserve.NewEngine(id, reserve.DefaultRateParams(), genesis)
		require.NoError(t, err)
		require.NoError(t, reg.Add(engine))
	}
	return reg
}

func serveRate(body string, failures int32) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	return srv, &calls
}

func primeOf(t *testing.T, reg *registry.Registry, id string) string {
	t.Helper()
	rate, err := reg.PrimeRate(context.Background(), id)
	require.NoError(t, err)
	return rate.Dec()
}

func TestPollAppliesRateAfterRetries(t *testing.T) {
	srv, calls := serveRate(`{"rate":"0.104"}`, 2)
	defer srv.Close()
	reg := newRegistry(t, "a", "b")

	poller, err := NewPoller(Config{URL: srv.URL, MaxElapsed: 5 * time.Second}, reg, nil, observability.Reserve())
	require.NoError(t, err)
	require.NoError(t, poller.Poll(context.Background()))
	require.Equal(t, int32(3), atomic.LoadInt32(calls))
	require.Equal(t, "104000000000000000000000000", primeOf(t, reg, "a"))
	require.Equal(t, "104000000000000000000000000", primeOf(t, reg, "b"))

	// Same value again leaves the reserves untouched.
	require.NoError(t, poller.Poll(context.Background()))
}

func TestPollRestrictsToMarket(t *testing.T) {
	srv, _ := serveRate(`{"rate":"0.098"}`, 0)
	defer srv.Close()
	reg := newRegistry(t, "a", "b")

	poller, err := NewPoller(Config{URL: srv.URL, Market: "b"}, reg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, poller.Poll(context.Background()))
	require.Equal(t, "100000000000000000000000000", primeOf(t, reg, "a"))
	require.Equal(t, "98000000000000000000000000", primeOf(t, reg, "b"))
}

func TestPollSkipsRatesOutsideTheBound(t *testing.T) {
	srv, _ := serveRate(`{"rate":"0.2"}`, 0)
	defer srv.Close()
	reg := newRegistry(t, "a")

	poller, err := NewPoller(Config{URL: srv.URL}, reg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, poller.Poll(context.Background()))
	require.Equal(t, "100000000000000000000000000", primeOf(t, reg, "a"))
}

func TestPollDoesNotRetryBadPayloads(t *testing.T) {
	for _, body := range []string{`{"rate":"abc"}`, `not json`, `{"rate":"0"}`} {
		srv, calls := serveRate(body, 0)
		poller, err := NewPoller(Config{URL: srv.URL, MaxElapsed: 5 * time.Second}, newRegistry(t, "a"), nil, nil)
		require.NoError(t, err)
		require.Error(t, poller.Poll(context.Background()), body)
		require.Equal(t, int32(1), atomic.LoadInt32(calls), body)
		srv.Close()
	}
}

func TestPollGivesUpAfterMaxElapsed(t *testing.T) {
	srv, _ := serveRate(`{}`, 1_000)
	defer srv.Close()
	poller, err := NewPoller(Config{URL: srv.URL, MaxElapsed: 300 * time.Millisecond}, newRegistry(t, "a"), nil, nil)
	require.NoError(t, err)
	require.Error(t, poller.Poll(context.Background()))
}

func TestPollUnknownMarket(t *testing.T) {
	srv, _ := serveRate(`{"rate":"0.1"}`, 0)
	defer srv.Close()
	poller, err := NewPoller(Config{URL: srv.URL, Market: "missing"}, newRegistry(t, "a"), nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, poller.Poll(context.Background()), registry.ErrUnknownReserve)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, calls := serveRate(`{"rate":"0.1"}`, 0)
	defer srv.Close()
	poller, err := NewPoller(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, newRegistry(t, "a"), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollTrimsMarket(t *testing.T) {
	srv, _ := serveRate(`{"rate":"0.098"}`, 0)
	defer srv.Close()
	reg := newRegistry(t, "a", "b")

	poller, err := NewPoller(Config{URL: srv.URL, Market: " b\t"}, reg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, poller.Poll(context.Background()))
	require.Equal(t, "98000000000000000000000000", primeOf(t, reg, "b"))
}

func TestRunLogsFeedWithoutCredentials(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	poller, err := NewPoller(Config{URL: srv.URL + "/prime?apikey=hunter2", Interval: time.Hour}, newRegistry(t, "a"), logger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "prime rate poll failed") }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	require.Contains(t, out, "apikey=redacted")
	require.NotContains(t, out, "hunter2")
}

func TestTransportErrorsHideFeedQuery(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	feedURL := srv.URL + "/prime?apikey=hunter2"
	srv.Close()

	poller, err := NewPoller(Config{URL: feedURL, MaxElapsed: 50 * time.Millisecond}, newRegistry(t, "a"), nil, nil)
	require.NoError(t, err)
	err = poller.Poll(context.Background())
	require.Error(t, err)
	require.NotContains(t, err.Error(), "hunter2")
	require.Contains(t, err.Error(), "apikey=redacted")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewPollerValidation(t *testing.T) {
	_, err := NewPoller(Config{}, newRegistry(t), nil, nil)
	require.Error(t, err)
	_, err = NewPoller(Config{URL: "http://x"}, nil, nil, nil)
	require.Error(t, err)
	var target Target = newRegistry(t)
	_, err = NewPoller(Config{URL: "http://x"}, target, nil, nil)
	require.NoError(t, err)
}
