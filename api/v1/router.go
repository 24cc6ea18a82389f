package v1

import (
	"mikrovm/api/v1/auth"
	"mikrovm/api/v1/events"
	"mikrovm/api/v1/middleware"
	"mikrovm/api/v1/pools"
	"mikrovm/api/v1/vms"
	"mikrovm/internal/config"
	eventsvc "mikrovm/internal/events"
	"mikrovm/internal/httpx"
	"mikrovm/internal/ippool"
	"mikrovm/internal/vm"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Services bundles the service layer handed to the router.
type Services struct {
	VM       *vm.Service
	IPPool   *ippool.Service
	Notifier *eventsvc.Notifier
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, db *gorm.DB, cfg *config.Config, svcs Services) {
	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)
		v1.GET("/health", healthHandler(db))

		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", auth.LoginHandler(db))
			authGroup.POST("/register", auth.RegisterHandler(db))
		}

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			// VM routes
			vmsHandler := vms.NewHandler(svcs.VM)
			vmsGroup := protected.Group("/vms")
			{
				vmsGroup.POST("", vmsHandler.Create)
				vmsGroup.GET("", vmsHandler.List)
				vmsGroup.GET("/:id", vmsHandler.Get)
				vmsGroup.PATCH("/:id", vmsHandler.Update)
				vmsGroup.DELETE("/:id", vmsHandler.Delete)
				vmsGroup.POST("/:id/start", vmsHandler.Start)
				vmsGroup.POST("/:id/stop", vmsHandler.Stop)
				vmsGroup.POST("/:id/restart", vmsHandler.Restart)
			}

			// Event feed
			eventsHandler := events.NewHandler(svcs.Notifier)
			protected.GET("/events", eventsHandler.List)

			// Pool routes (admin only)
			poolsHandler := pools.NewHandler(svcs.IPPool)
			poolsGroup := protected.Group("/pools")
			poolsGroup.Use(middleware.AdminRequired())
			{
				poolsGroup.POST("", poolsHandler.Create)
				poolsGroup.GET("/:name/stats", poolsHandler.Stats)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// healthHandler reports liveness including database connectivity.
func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			httpx.FailErr(c, httpx.ErrDatabaseError("database unreachable", err))
			return
		}
		httpx.OK(c, gin.H{
			"status":   "ok",
			"database": "ok",
		})
	}
}

// meHandler returns current user information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"role":     role,
	})
}
