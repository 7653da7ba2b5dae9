package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"marketchat/internal/infra/config"
	"marketchat/internal/infra/obs"
)

type ChatHTTP interface {
	Threads(c *gin.Context)
	StartThreadPolling(c *gin.Context)
	StopThreadPolling(c *gin.Context)
	OpenThread(c *gin.Context)
	CloseThread(c *gin.Context)
	RefreshMessages(c *gin.Context)
	DeleteThread(c *gin.Context)
	SendMessage(c *gin.Context)
	DeleteMessage(c *gin.Context)
	StartConversation(c *gin.Context)
	StopPolling(c *gin.Context)
	SignOut(c *gin.Context)
	State(c *gin.Context)
	Avatar(c *gin.Context)
}

type Handlers struct {
	Chat           ChatHTTP
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{Addr: cfg.HTTPAddr, Handler: NewRouter(cfg, obsMW, health, h), ReadHeaderTimeout: 10 * time.Second}
}

// NewRouter builds the gin engine behind NewServer.
func NewRouter(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	if h.Chat != nil {
		chat := router.Group("/api/v1/chat")
		chat.GET("/state", h.Chat.State)
		chat.GET("/threads", h.Chat.Threads)
		chat.POST("/threads/poll/start", h.Chat.StartThreadPolling)
		chat.POST("/threads/poll/stop", h.Chat.StopThreadPolling)
		chat.POST("/threads/:id/open", h.Chat.OpenThread)
		chat.POST("/threads/:id/close", h.Chat.CloseThread)
		chat.GET("/threads/:id/messages", h.Chat.RefreshMessages)
		chat.DELETE("/threads/:id", h.Chat.DeleteThread)
		chat.POST("/messages", h.Chat.SendMessage)
		chat.DELETE("/messages/:id", h.Chat.DeleteMessage)
		chat.POST("/conversations", h.Chat.StartConversation)
		chat.POST("/polling/stop", h.Chat.StopPolling)
		chat.POST("/signout", h.Chat.SignOut)
		chat.GET("/avatars", h.Chat.Avatar)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
