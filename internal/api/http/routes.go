package http

import (
	"github.com/gin-gonic/gin"
)

// Register mounts the admin routes. guard wraps the routes that change
// state and may be nil.
func (h *Handlers) Register(r gin.IRouter, guard gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.GET("/status", h.Status)
	v1.GET("/services", h.ListServices)
	v1.GET("/services/:sid", h.GetService)

	if guard != nil {
		v1.POST("/reset", guard, h.Reset)
	} else {
		v1.POST("/reset", h.Reset)
	}
}
