package router

import (
	"github.com/wb-go/wbf/ginext"

	"imagemill/internal/api/handlers/image"
	"imagemill/internal/api/handlers/job"
	"imagemill/internal/middleware"
	"imagemill/internal/ratelimit"
)

// Setup builds the HTTP routing table. Every /api route requires an identity;
// uploads additionally pass the upload-class token bucket, while the
// derivative paths run their own admission inside the delivery resolver.
func Setup(ih *image.Handler, jh *job.Handler, limiter *ratelimit.Limiter) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")
	api.Use(middleware.Identity())

	api.POST("/upload", middleware.Admission(limiter, ratelimit.ClassUpload), ih.Upload)

	api.POST("/images/:id/transform", ih.Transform)
	api.GET("/images/:id", ih.Get)
	api.GET("/images/:id/meta", ih.GetMeta)
	api.DELETE("/images/:id", ih.Delete)

	api.GET("/jobs/:id", jh.Get)
	api.DELETE("/jobs/:id", jh.Cancel)

	return r
}
