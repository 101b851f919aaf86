package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/patient-index/internal/auth"
	"github.com/mesikahq/patient-index/internal/middleware"
)

// NewRouter wires the HTTP surface. Submissions require the source role,
// queue operations the reviewer role, direct cluster surgery the operator
// role.
func NewRouter(h *Handler, authService auth.Service, zapLogger *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(
		middleware.RequestID(),
		middleware.Recovery(zapLogger),
		middleware.Logger(zapLogger),
		middleware.SecurityHeaders(),
		middleware.RateLimit(rate.Limit(100), 200),
		middleware.Timeout(30*time.Second),
	)

	router.GET("/health", h.Health)
	router.POST("/api/auth/login", h.Login)

	authed := router.Group("/api", middleware.Auth(authService))
	{
		records := authed.Group("", middleware.RequireRole(auth.RoleSource, auth.RoleOperator))
		{
			records.POST("/records", h.SubmitRecord)
			records.POST("/records/batch", h.SubmitBatch)
		}

		authed.GET("/records/:id/cluster", h.LookupRecord)
		authed.GET("/clusters/:id", h.GetCluster)

		operators := authed.Group("", middleware.RequireRole(auth.RoleOperator))
		{
			operators.POST("/clusters/merge", h.MergeClusters)
			operators.POST("/clusters/:id/split", h.SplitMember)
		}

		reviewers := authed.Group("", middleware.RequireRole(auth.RoleReviewer, auth.RoleOperator))
		{
			reviewers.GET("/reviews", h.ListReviews)
			reviewers.POST("/reviews/:id/claim", h.ClaimReview)
			reviewers.POST("/reviews/:id/resolve", h.ResolveReview)
		}
	}

	return router
}
