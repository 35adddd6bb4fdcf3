package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-velocity/internal/broadcast"
	"token-velocity/internal/domain"
	"token-velocity/internal/idhash"
	"token-velocity/internal/query"
	"token-velocity/internal/storage/memory"
)

const testKey = "test-key-123"

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

type testEnv struct {
	store *memory.MetricStore
	keys  *memory.APIKeyStore
	bc    *broadcast.Broadcaster
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith seeds the store and starts a server. wrap, when non-nil,
// replaces the store the query service reads from.
func newTestEnvWith(t *testing.T, wrap func(*memory.MetricStore, *broadcast.Broadcaster) query.Reader) *testEnv {
	t.Helper()
	clock := func() time.Time { return now }
	store := memory.NewMetricStore().WithClock(clock)

	batch := &domain.CycleBatch{
		Assets: []domain.AssetUpsert{
			{ExternalID: 1, Name: "Bitcoin", Symbol: "BTC", Slug: "bitcoin"},
			{ExternalID: 1027, Name: "Ethereum", Symbol: "ETH", Slug: "ethereum"},
			{ExternalID: 5426, Name: "Solana", Symbol: "SOL", Slug: "solana"},
		},
	}
	for _, s := range []struct {
		ext      int64
		cap, vol float64
	}{{1, 1000, 100}, {1027, 500, 75}} {
		batch.Snapshots = append(batch.Snapshots, domain.PendingSnapshot{
			ExternalID: s.ext,
			Snapshot: domain.MetricSnapshot{
				Timestamp:        now.Add(-time.Minute),
				PriceUSD:         f(10),
				MarketCapUSD:     f(s.cap),
				Volume24hUSD:     f(s.vol),
				Velocity:         f(s.vol / s.cap),
				DataQualityScore: domain.DefaultQualityScore,
			},
		})
	}
	_, err := store.CommitCycle(context.Background(), batch)
	require.NoError(t, err)

	keys := memory.NewAPIKeyStore()
	require.NoError(t, keys.Insert(context.Background(), &domain.APIKey{
		KeyHash:  idhash.HashKey(testKey),
		Tier:     domain.TierBasic,
		IsActive: true,
	}))

	logger := log.New(io.Discard, "", 0)
	bc := broadcast.NewBroadcaster(broadcast.Options{Logger: logger})
	var reader query.Reader = store
	if wrap != nil {
		reader = wrap(store, bc)
	}
	svc := query.NewService(query.Options{Store: reader, Now: clock, Logger: logger})
	server := NewServer(Options{
		Query:       svc,
		Broadcaster: bc,
		Keys:        keys,
		Now:         clock,
		Logger:      logger,
	})

	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{store: store, keys: keys, bc: bc, srv: ts}
}

type envelope struct {
	Status     Status            `json:"status"`
	Data       json.RawMessage   `json:"data"`
	Pagination *query.Pagination `json:"pagination"`
}

func (e *testEnv) get(t *testing.T, path, key string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 401, env.Status.ErrorCode)
	require.NotNil(t, env.Status.ErrorMessage)
	assert.Equal(t, "API key is required. Please include X-API-Key header.", *env.Status.ErrorMessage)
	assert.Equal(t, 0, env.Status.CreditCount)

	code, env = e.get(t, "/api/v1/tokens", "short")
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Status.ErrorMessage)
	assert.Equal(t, "Invalid API key format.", *env.Status.ErrorMessage)

	// Unknown keys of valid length are accepted.
	code, _ = e.get(t, "/api/v1/tokens", "some-other-key")
	assert.Equal(t, http.StatusOK, code)
}

func TestAuth_RecordsKnownKeyUsage(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 2; i++ {
		code, _ := e.get(t, "/api/v1/market/overview", testKey)
		require.Equal(t, http.StatusOK, code)
	}

	k, err := e.keys.GetByHash(context.Background(), idhash.HashKey(testKey))
	require.NoError(t, err)
	assert.Equal(t, int64(2), k.UsageCount)
	require.NotNil(t, k.LastUsedAt)
	assert.True(t, k.LastUsedAt.Equal(now))
}

func TestListTokens(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens?limit=2", testKey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Status.ErrorCode)
	assert.Nil(t, env.Status.ErrorMessage)
	assert.Equal(t, 1, env.Status.CreditCount)

	var views []query.AssetView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 2)
	assert.Equal(t, "BTC", views[0].Symbol)
	assert.Equal(t, "ETH", views[1].Symbol)
	assert.Contains(t, views[0].Quote, "USD")

	require.NotNil(t, env.Pagination)
	assert.Equal(t, query.Pagination{TotalCount: 3, Page: 1, PerPage: 2, TotalPages: 2}, *env.Pagination)
}

func TestListTokens_BadParams(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/tokens?limit=abc",
		"/api/v1/tokens?start=-1",
		"/api/v1/tokens?min_market_cap=lots",
		"/api/v1/tokens?sort=hype",
		"/api/v1/tokens?convert=EUR",
	} {
		code, env := e.get(t, path, testKey)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Equal(t, 400, env.Status.ErrorCode, path)
	}
}

func TestSearchTokens(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens/search", testKey)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Status.ErrorMessage)
	assert.Contains(t, *env.Status.ErrorMessage, `"q" is required`)

	code, env = e.get(t, "/api/v1/tokens/search?q=sol", testKey)
	require.Equal(t, http.StatusOK, code)
	var views []query.AssetView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "SOL", views[0].Symbol)

	code, env = e.get(t, "/api/v1/tokens/search?q=nothing-matches", testKey)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestTokenDetail(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens/eth?include_history=true", testKey)
	require.Equal(t, http.StatusOK, code)
	var view query.AssetView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, int64(1027), view.ExternalID)
	assert.Len(t, view.History, 1)

	code, env = e.get(t, "/api/v1/tokens/nope", testKey)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 404, env.Status.ErrorCode)
	assert.Equal(t, 0, env.Status.CreditCount)
}

func TestTokenVelocity(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens/1/velocity", testKey)
	require.Equal(t, http.StatusOK, code)
	var detail query.VelocityDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "BTC", detail.Symbol)
	assert.Equal(t, "24h", detail.Timeframe)
	require.NotNil(t, detail.VelocityMetrics.Current)
	assert.InDelta(t, 0.1, *detail.VelocityMetrics.Current, 1e-9)
	require.NotNil(t, detail.TrendAnalysis, "trend included by default")

	code, env = e.get(t, "/api/v1/tokens/1/velocity?include_trend=false", testKey)
	require.Equal(t, http.StatusOK, code)
	detail = query.VelocityDetail{}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Nil(t, detail.TrendAnalysis)

	code, _ = e.get(t, "/api/v1/tokens/1/velocity?timeframe=2d", testKey)
	assert.Equal(t, http.StatusBadRequest, code)

	// SOL has no snapshots yet.
	code, _ = e.get(t, "/api/v1/tokens/sol/velocity", testKey)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTokenHistory(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/tokens/btc/history", testKey)
	require.Equal(t, http.StatusOK, code)
	var h query.AssetHistory
	require.NoError(t, json.Unmarshal(env.Data, &h))
	assert.Equal(t, "BTC", h.Symbol)
	assert.Equal(t, query.SourceStore, h.Source)
	assert.Equal(t, now, h.End)
	require.Len(t, h.Points, 1)

	// The only snapshot is a minute old, outside this range.
	code, env = e.get(t, "/api/v1/tokens/btc/history?start=2025-02-28T00:00:00Z&end=2025-03-01T11:00:00Z", testKey)
	require.Equal(t, http.StatusOK, code)
	h = query.AssetHistory{}
	require.NoError(t, json.Unmarshal(env.Data, &h))
	assert.Empty(t, h.Points)

	code, env = e.get(t, "/api/v1/tokens/btc/history?start=yesterday", testKey)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Status.ErrorMessage)
	assert.Contains(t, *env.Status.ErrorMessage, "start")

	code, _ = e.get(t, "/api/v1/tokens/btc/history?start=2025-03-01T12:00:00Z&end=2025-03-01T11:00:00Z", testKey)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.get(t, "/api/v1/tokens/nope/history", testKey)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMarketOverview(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.get(t, "/api/v1/market/overview", testKey)
	require.Equal(t, http.StatusOK, code)
	var ov query.MarketOverview
	require.NoError(t, json.Unmarshal(env.Data, &ov))
	assert.InDelta(t, 1500, ov.TotalMarketCap, 1e-9)
	assert.InDelta(t, 175, ov.TotalVolume24h, 1e-9)
	assert.Equal(t, 3, ov.ActiveTokens)
}

func TestCORS_PreflightSkipsKeyCheck(t *testing.T) {
	e := newTestEnv(t)
	const origin = "http://localhost:3000"

	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/v1/tokens", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "x-api-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Less(t, resp.StatusCode, 300, "preflight must not reach the key check")
	assert.Contains(t, []string{"*", origin}, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), "x-api-key")
}

func TestCORS_CrossOriginGet(t *testing.T) {
	e := newTestEnv(t)
	const origin = "http://localhost:3000"

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/tokens", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("X-API-Key", testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, []string{"*", origin}, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoverer_WritesEnvelope(t *testing.T) {
	srv := NewServer(Options{
		Now:    func() time.Time { return now },
		Logger: log.New(io.Discard, "", 0),
	})
	h := srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, 500, env.Status.ErrorCode)
	require.NotNil(t, env.Status.ErrorMessage)
	assert.Contains(t, *env.Status.ErrorMessage, "boom")
	assert.Equal(t, 0, env.Status.CreditCount)
}
