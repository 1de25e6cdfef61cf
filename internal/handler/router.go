package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/zhouzirui/z-live/backend/internal/handler/chat"
	"github.com/zhouzirui/z-live/backend/internal/handler/events"
	"github.com/zhouzirui/z-live/backend/internal/handler/stream"
	"github.com/zhouzirui/z-live/backend/internal/handler/wallet"
	middlewarePkg "github.com/zhouzirui/z-live/backend/internal/middleware"
	"github.com/zhouzirui/z-live/backend/internal/service/access"
	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/service/presence"
	"github.com/zhouzirui/z-live/backend/internal/service/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// Dependencies 路由需要的核心服务
type Dependencies struct {
	Authority      *access.Authority
	Pipeline       *channel.Pipeline
	PrivateChat    *privatechat.Engine
	Biller         *billing.Biller
	Meter          *billing.Meter
	Presence       *presence.Tracker
	Quality        *channel.QualityTracker
	Lifecycle      stream.StatusUpdater
	Broker         *pubsub.Broker
	Wallet         wallet.BalanceReader
	LowBalance     decimal.Decimal
	// InternalSecret 为空时不挂载 /internal
	InternalSecret string
	Logger         *logger.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	r.Use(middlewarePkg.Identity)

	streamHandler := stream.New(stream.Options{
		Authority: deps.Authority,
		Pipeline:  deps.Pipeline,
		Biller:    deps.Biller,
		Meter:     deps.Meter,
		Presence:  deps.Presence,
		Quality:   deps.Quality,
		Lifecycle: deps.Lifecycle,
		Logger:    deps.Logger,
	})
	chatHandler := chat.New(deps.PrivateChat)
	eventsHandler := events.New(deps.Broker, 0, deps.Logger)
	walletHandler := wallet.New(deps.Wallet, deps.Biller.Rate(), deps.LowBalance)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// 直播间频道：凭证、消息、管理、计费与实时推送
		streamHandler.RegisterRoutes(api)

		// 私信请求与会话
		chatHandler.RegisterRoutes(api)

		eventsHandler.RegisterRoutes(api)
		walletHandler.RegisterRoutes(api)
	})

	// 直播服务回调，需携带共享密钥
	if deps.InternalSecret != "" {
		r.Route("/internal", func(ir chi.Router) {
			ir.Use(middlewarePkg.RequireInternalSecret(deps.InternalSecret))
			streamHandler.RegisterInternalRoutes(ir)
		})
	}

	return r
}
