package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/handler"
	"github.com/stemsi/exroom-backend/internal/middleware"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Room *handler.RoomHandler
	WS   *handler.WSHandler
}

// Join and submit are throttled per client IP.
const (
	heavyRouteRate     = 30
	heavyRouteInterval = time.Minute
)

// SetupRouter configures all Gin route groups with appropriate middlewares.
// The returned limiter must be stopped on shutdown.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	cfg *config.Config,
) (*gin.Engine, *middleware.RateLimiter) {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Brotli skips WebSocket upgrades on its own.
	router.Use(middleware.Brotli(middleware.DefaultBrotliMinBytes))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	heavy := middleware.NewRateLimiter(heavyRouteRate, heavyRouteInterval)
	teacher := middleware.RequireRole(model.RoleTeacher)
	student := middleware.RequireRole(model.RoleStudent)

	// ─── 1. REST fallback (JWT) ────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireJWT(auth))
	{
		api.POST("/rooms", teacher, handlers.Room.CreateRoom)

		rooms := api.Group("/rooms/:code")
		{
			rooms.GET("", handlers.Room.GetRoom)
			rooms.PUT("", teacher, handlers.Room.UpdateRoom)
			rooms.DELETE("", teacher, handlers.Room.DeleteRoom)
			rooms.GET("/state", handlers.Room.GetState)

			rooms.POST("/start", teacher, handlers.Room.StartRoom)
			rooms.POST("/end", teacher, handlers.Room.EndRoom)
			rooms.POST("/kick", teacher, handlers.Room.KickParticipant)
			rooms.POST("/bans", teacher, handlers.Room.BanParticipant)
			rooms.GET("/submissions", teacher, handlers.Room.ListSubmissions)

			rooms.POST("/join", heavy.Middleware(), handlers.Room.JoinRoom)
			rooms.GET("/paper", handlers.Room.GetPaper)
			rooms.POST("/answers", student, handlers.Room.SaveAnswer)
			rooms.POST("/submit", student, heavy.Middleware(), handlers.Room.Submit)
			rooms.GET("/submission", student, handlers.Room.GetOwnSubmission)
		}
	}

	// ─── 2. WebSocket (JWT via ?token=) ────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(auth))
	{
		ws.GET("/rooms", handlers.WS.RoomSocket)
	}

	return router, heavy
}
