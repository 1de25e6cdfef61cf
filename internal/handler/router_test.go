package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middlewarePkg "github.com/zhouzirui/z-live/backend/internal/middleware"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/service/access"
	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/presence"
	"github.com/zhouzirui/z-live/backend/internal/service/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/service/wallet"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newTestRouterWithSecret(t, "hook-secret")
}

func newTestRouterWithSecret(t *testing.T, secret string) http.Handler {
	t.Helper()
	st := memory.New()
	broker := pubsub.NewBroker()
	dir := identity.NewMemoryDirectory(identity.Seed())
	streams := lifecycle.NewMemoryLifecycle(broker, lifecycle.Seed())
	gateway := wallet.NewMemoryGateway(decimal.NewFromInt(1))
	limiter := ratelimit.New(ratelimit.Options{Limit: 20, Window: time.Minute})
	tracker := presence.NewTracker()

	authority, err := access.New(access.Options{Directory: dir, Wallet: gateway, Lifecycle: streams, Sessions: st, Secret: []byte("router")})
	require.NoError(t, err)
	pipeline, err := channel.New(channel.Options{Store: st, Broker: broker, Limiter: limiter})
	require.NoError(t, err)
	private, err := privatechat.New(privatechat.Options{Store: st, Directory: dir, Broker: broker, Limiter: limiter})
	require.NoError(t, err)
	biller, err := billing.NewBiller(billing.Options{Ticks: st, Wallet: gateway, Lifecycle: streams, Presence: tracker, Rate: decimal.NewFromInt(5)})
	require.NoError(t, err)

	return NewRouter(Dependencies{
		Authority:      authority,
		Pipeline:       pipeline,
		PrivateChat:    private,
		Biller:         biller,
		Meter:          billing.NewMeter(biller, billing.MeterOptions{}),
		Presence:       tracker,
		Lifecycle:      streams,
		Broker:         broker,
		Wallet:         gateway,
		LowBalance:     decimal.NewFromInt(10),
		InternalSecret: secret,
	})
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoutesAreMounted(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		method, path, user string
		want               int
	}{
		{http.MethodPost, "/api/streams/luna-live/join", "viewer-ben", http.StatusOK},
		{http.MethodGet, "/api/streams/luna-live/messages", "", http.StatusOK},
		{http.MethodGet, "/api/conversations", "viewer-ben", http.StatusOK},
		{http.MethodGet, "/api/chat-requests/pending", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/wallet/balance", "viewer-ben", http.StatusOK},
		{http.MethodGet, "/api/nowhere", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.user != "" {
			req.Header.Set("X-User-ID", tc.user)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestInternalRoutesNeedSecret(t *testing.T) {
	body := `{"status":"ENDED"}`
	post := func(router http.Handler, secret string) int {
		req := httptest.NewRequest(http.MethodPost, "/internal/streams/luna-live/status", strings.NewReader(body))
		if secret != "" {
			req.Header.Set(middlewarePkg.InternalHeader, secret)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	router := newTestRouter(t)
	assert.Equal(t, http.StatusUnauthorized, post(router, ""))
	assert.Equal(t, http.StatusUnauthorized, post(router, "guess"))
	assert.Equal(t, http.StatusOK, post(router, "hook-secret"))

	assert.Equal(t, http.StatusNotFound, post(newTestRouterWithSecret(t, ""), "hook-secret"), "no secret, no hook")
}
