// Package http exposes the read-only kernel monitor surface.
//
// Everything here is introspection: no endpoint mutates kernel state, the
// syscall boundary stays the only way in.
package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karnal-os/karnal64/internal/kernel"
)

// Handlers serves kernel introspection requests.
type Handlers struct {
	kernel *kernel.Kernel
}

// NewHandlers creates the handler set over a booted kernel.
func NewHandlers(k *kernel.Kernel) *Handlers {
	return &Handlers{kernel: k}
}

// Root handles the basic liveness check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "karnal64",
		"version": versionString(),
		"boot_id": h.kernel.BootID,
	})
}

// Health reports kernel vitals.
func (h *Handlers) Health(c *gin.Context) {
	free, total := h.kernel.Memory.FrameStats()
	tasks, threads := h.kernel.Tasks.Counts()

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": h.kernel.Uptime().String(),
		"memory": gin.H{
			"frames_free":  free,
			"frames_total": total,
		},
		"tasks":   tasks,
		"threads": threads,
	})
}

// Info mirrors the info syscall for human consumption.
func (h *Handlers) Info(c *gin.Context) {
	free, total := h.kernel.Memory.FrameStats()
	tasks, threads := h.kernel.Tasks.Counts()

	c.JSON(http.StatusOK, gin.H{
		"version":      versionString(),
		"boot_id":      h.kernel.BootID,
		"uptime_ms":    h.kernel.Uptime().Milliseconds(),
		"tasks":        tasks,
		"threads":      threads,
		"frames_free":  free,
		"frames_total": total,
		"handles_live": h.kernel.Resources.HandleCount(),
		"init_task":    h.kernel.InitTask(),
	})
}

// Tasks lists every task, Zombies included.
func (h *Handlers) Tasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks": h.kernel.Tasks.List(),
	})
}

// Resources lists the provider registry.
func (h *Handlers) Resources(c *gin.Context) {
	entries := h.kernel.Resources.List()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":            e.ID,
			"modes":         e.Provider.Modes(),
			"registered_at": e.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"resources": out})
}

// Metrics serves the Prometheus registry.
func (h *Handlers) Metrics() gin.HandlerFunc {
	promHandler := promhttp.HandlerFor(
		h.kernel.Metrics().Registry(),
		promhttp.HandlerOpts{},
	)
	return gin.WrapH(promHandler)
}

func versionString() string {
	return fmt.Sprintf("%d.%d.%d", kernel.VersionMajor, kernel.VersionMinor, kernel.VersionPatch)
}
