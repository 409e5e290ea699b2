package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/adapters/signal"
	"github.com/dkeye/Studyroom/internal/app"
	"github.com/dkeye/Studyroom/internal/app/orch"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/store"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a long-lived cookie token.
// It only correlates connections in logs; it is not authentication.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Orch   *orch.Orchestrator
	Signal *signal.SignalWSController
	Store  store.Store
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	cookieStore.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("StudyroomSessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	h := &restHandlers{orch: deps.Orch, store: deps.Store}
	sessionsAPI := api.Group("/sessions")
	sessionsAPI.GET("", h.listLive)
	sessionsAPI.GET("/:id", h.getSession)
	sessionsAPI.PUT("/:id", h.putSession)
	sessionsAPI.POST("/:id/enroll", h.enroll)
	sessionsAPI.GET("/:id/participants", h.participants)
	sessionsAPI.GET("/:id/whiteboard", h.getWhiteboard)
	sessionsAPI.POST("/:id/whiteboard", h.saveWhiteboard)
	sessionsAPI.GET("/:id/messages", h.listMessages)
	sessionsAPI.POST("/:id/messages", h.postMessage)

	return r
}

// Build wires registry, live sessions, the relay controller and the REST API over st.
func Build(ctx context.Context, cfg *config.Config, st store.Store) (*gin.Engine, *orch.Orchestrator) {
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Sessions: app.NewSessionManager(),
		Policy:   app.SimplePolicy{},
		Chat:     st,
	}
	limiter := signal.NewRateLimiter(cfg.ChatRate.Limit, cfg.ChatRate.Interval, nil)
	ctl := signal.NewSignalWSController(o, limiter, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	return SetupRouter(ctx, cfg, Deps{Orch: o, Signal: ctl, Store: st}), o
}
