package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the admin API engine with CORS for the given origins.
func NewRouter(handler *Handler, allowOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(allowOrigins) == 0 || (len(allowOrigins) == 1 && allowOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowOrigins
	}
	router.Use(cors.New(corsConfig))

	SetupRoutes(router, handler)
	return router
}

func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		api.POST("/sync/:type", handler.RunSync)

		api.GET("/schedules", handler.ListSchedules)
		api.POST("/schedules", handler.CreateSchedule)
		api.POST("/schedules/run-due", handler.RunDueSchedules)
		api.PUT("/schedules/:id", handler.UpdateSchedule)
		api.DELETE("/schedules/:id", handler.DeleteSchedule)

		api.GET("/errors", handler.ListErrors)
		api.POST("/errors/:id/resolve", handler.ResolveError)
		api.POST("/errors/:id/ignore", handler.IgnoreError)
		api.POST("/errors/:id/reopen", handler.ReopenError)

		api.GET("/listings/:type", handler.ListListings)
		api.DELETE("/listings/:type/:id", handler.DeleteListing)
		api.GET("/listings/:type/:id/history", handler.GetListingHistory)

		api.GET("/runs", handler.ListRuns)
	}
}
