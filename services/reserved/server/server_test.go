package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"raac/core/events"
	"raac/gateway/middleware"
	nativecommon "raac/native/common"
	"raac/native/reserve"
	"raac/observability/logging"
	"raac/services/reserved/journal"
	"raac/services/reserved/registry"
	"raac/services/reserved/stream"
)

const (
	genesis    = 1_700_000_000
	testSecret = "test-secret"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	srv    *Server
	clock  *fakeClock
	hub    *stream.Hub
	pauses *nativecommon.PauseSet
	admin  string
	pool   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(genesis, 0)}
	reg := registry.New(clock.Now, nil)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	j, err := journal.New(db, nil)
	require.NoError(t, err)
	hub := stream.NewHub(16, nil, nil)
	pauses := nativecommon.NewPauseSet()

	engine, err := reserve.NewEngine("rToken", reserve.DefaultRateParams(), genesis)
	require.NoError(t, err)
	engine.SetEmitter(events.Fanout{j, hub})
	engine.SetPauses(pauses)
	require.NoError(t, reg.Add(engine))

	promReg := prometheus.NewRegistry()
	srv, err := New(Config{
		Registry:   reg,
		Journal:    j,
		Hub:        hub,
		Pauses:     pauses,
		Auth:       middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret, Issuer: "reserved", Audience: "reserved-admin"}, nil),
		AdminScope: "reserve:admin",
		PoolScope:  "reserve:pool",
		Limiter:    middleware.NewRateLimiter(middleware.RateLimit{RequestsPerSecond: 1000, Burst: 1000}, nil),
		Gatherer:   promReg,
		Registerer: promReg,
	})
	require.NoError(t, err)

	return &harness{
		t:      t,
		srv:    srv,
		clock:  clock,
		hub:    hub,
		pauses: pauses,
		admin:  token(t, "reserve:admin"),
		pool:   token(t, "reserve:pool"),
	}
}

func token(t *testing.T, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "reserved",
		"aud":   "reserved-admin",
		"sub":   "tester",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, res.Header().Get(middleware.HeaderRequestID))

	res = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "reserved_http_requests_total")
}

func TestReadEndpoints(t *testing.T) {
	h := newHarness(t)

	list := decode[map[string][]reserveView](t, h.do(http.MethodGet, "/v1/reserves", "", nil))
	require.Len(t, list["reserves"], 1)
	require.Equal(t, "rToken", list["reserves"][0].ID)

	view := decode[reserveView](t, h.do(http.MethodGet, "/v1/reserves/rToken", "", nil))
	require.Equal(t, "1", view.LiquidityIndex)
	require.Equal(t, "0.1", view.Rates.PrimeRate)
	require.Equal(t, "0.05", view.Rates.UsageRate)
	require.Equal(t, uint64(genesis), view.LastUpdateTimestamp)

	rates := decode[ratesView](t, h.do(http.MethodGet, "/v1/reserves/rToken/rates", "", nil))
	require.Equal(t, "0.15", rates.OptimalRate)
	require.Equal(t, "0.05", rates.AverageUsageRate)

	util := decode[utilizationView](t, h.do(http.MethodGet, "/v1/reserves/rToken/utilization", "", nil))
	require.Equal(t, "0", util.Ray)

	res := h.do(http.MethodGet, "/v1/reserves/missing", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	res = h.do(http.MethodGet, "/v1/reserves/missing/events", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestAuditLogFingerprintsSubject(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	h.srv.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	res := h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.pool, amountRequest{Amount: "10"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "reserve updated", line["msg"])
	require.Equal(t, "deposit", line["operation"])
	require.Equal(t, logging.SubjectField("tester").Value.String(), line["subject"])
	require.NotContains(t, buf.String(), "tester")
}

func TestPoolFlow(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/reserves/rToken/deposit", "", amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	res = h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.admin, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.pool, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	deposit := decode[mutationView](t, res)
	require.Equal(t, "1000", deposit.Scaled)
	require.Equal(t, "1000", deposit.Reserve.TotalLiquidity)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/usage", h.pool, usageRequest{Increase: "500"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	usage := decode[mutationView](t, res)
	require.Equal(t, "0.5", usage.Reserve.Utilization)
	require.Equal(t, "0.15", usage.Reserve.Rates.UsageRate)
	require.Equal(t, "0.075", usage.Reserve.Rates.LiquidityRate)

	h.clock.Advance(365 * 24 * time.Hour)
	norm := decode[normalizedView](t, h.do(http.MethodGet, "/v1/reserves/rToken/normalized", "", nil))
	require.Equal(t, "1.075", norm.NormalizedIncome)
	require.Equal(t, uint64(genesis+365*24*3600), norm.Timestamp)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/accrue", h.pool, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	accrued := decode[mutationView](t, res)
	require.Equal(t, "1.075", accrued.Reserve.LiquidityIndex)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/withdraw", h.pool, amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusConflict, res.Code)
	body := decode[errorBody](t, res)
	require.Equal(t, "liquidity", body.Kind)
	require.NotEmpty(t, body.RequestID)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/usage", h.pool, usageRequest{Decrease: "600"})
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/withdraw", h.pool, amountRequest{Amount: "400"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	evts := decode[map[string][]eventView](t, h.do(http.MethodGet, "/v1/reserves/rToken/events?type=reserve.deposit", "", nil))
	require.Len(t, evts["events"], 1)
	require.Equal(t, "1000", evts["events"][0].Attributes["amount"])

	all := decode[map[string][]eventView](t, h.do(http.MethodGet, "/v1/reserves/rToken/events?limit=2", "", nil))
	require.Len(t, all["events"], 2)
	rest := decode[map[string][]eventView](t, h.do(http.MethodGet, fmt.Sprintf("/v1/reserves/rToken/events?after=%d", all["events"][1].Sequence), "", nil))
	require.NotEmpty(t, rest["events"])
}

func TestPoolInputErrors(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		path string
		body interface{}
	}{
		{"zero amount", "/v1/reserves/rToken/deposit", amountRequest{Amount: "0"}},
		{"missing amount", "/v1/reserves/rToken/deposit", amountRequest{}},
		{"negative amount", "/v1/reserves/rToken/withdraw", amountRequest{Amount: "-5"}},
		{"fractional amount", "/v1/reserves/rToken/deposit", amountRequest{Amount: "1.5"}},
		{"unknown field", "/v1/reserves/rToken/deposit", `{"amount":"1","extra":true}`},
		{"not json", "/v1/reserves/rToken/deposit", `nope`},
		{"both usage fields", "/v1/reserves/rToken/usage", usageRequest{Increase: "1", Decrease: "1"}},
		{"no usage fields", "/v1/reserves/rToken/usage", usageRequest{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.do(http.MethodPost, tc.path, h.pool, tc.body)
			require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())
		})
	}

	res := h.do(http.MethodGet, "/v1/reserves/rToken/normalized?at=1", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	res = h.do(http.MethodGet, "/v1/reserves/rToken/events?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminPrimeRate(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", "", primeRateRequest{Rate: "0.105"})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.pool, primeRateRequest{Rate: "0.105"})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.admin, primeRateRequest{Rate: "0.105"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "0.105", decode[mutationView](t, res).Reserve.Rates.PrimeRate)

	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.admin, primeRateRequest{Rate: "0.12"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "rate_policy", decode[errorBody](t, res).Kind)

	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.admin, primeRateRequest{Rate: "0"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.admin, primeRateRequest{Rate: "ten"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminCurve(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPut, "/v1/admin/reserves/rToken/curve", h.admin, curveRequest{OptimalRate: "0.2"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	rates := decode[mutationView](t, res).Reserve.Rates
	require.Equal(t, "0.2", rates.OptimalRate)
	require.Equal(t, "0.05", rates.BaseRate)

	res = h.do(http.MethodPut, "/v1/admin/reserves/rToken/curve", h.admin, curveRequest{MaxRate: "0.1"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = h.do(http.MethodPut, "/v1/admin/reserves/rToken/curve", h.admin, curveRequest{BaseRate: "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminPause(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPut, "/v1/admin/pause", h.admin, pauseRequest{Paused: true})
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, decode[pauseView](t, h.do(http.MethodGet, "/v1/admin/pause", h.admin, nil)).Paused)

	res = h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.pool, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	require.Equal(t, "paused", decode[errorBody](t, res).Kind)

	// Governance stays available while paused.
	res = h.do(http.MethodPost, "/v1/admin/reserves/rToken/prime-rate", h.admin, primeRateRequest{Rate: "0.102"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	h.do(http.MethodPut, "/v1/admin/pause", h.admin, pauseRequest{Paused: false})
	res = h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.pool, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusOK, res.Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.srv.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/events/stream?reserve=missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events/stream?reserve=rToken", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := h.do(http.MethodPost, "/v1/reserves/rToken/deposit", h.pool, amountRequest{Amount: "10"})
	require.Equal(t, http.StatusOK, res.Code)

	seen := map[string]bool{}
	for len(seen) < 2 {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &evt))
		seen[evt.Type] = true
	}
	require.True(t, seen[events.TypeReserveDeposit])
	require.True(t, seen[events.TypeReserveRatesUpdated])
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&requestError{msg: "x"}, http.StatusBadRequest},
		{unknownReserve("x"), http.StatusNotFound},
		{reserve.ErrInvalidAmount, http.StatusBadRequest},
		{reserve.ErrTimestampRegressed, http.StatusBadRequest},
		{&reserve.InsufficientLiquidityError{}, http.StatusConflict},
		{reserve.ErrReentrantCall, http.StatusConflict},
		{&reserve.PrimeRateChangeError{}, http.StatusUnprocessableEntity},
		{reserve.ErrOverflow, http.StatusInternalServerError},
		{reserve.ErrLiquidityIndexIsZero, http.StatusInternalServerError},
		{nativecommon.ErrModulePaused, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
