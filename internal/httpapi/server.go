// Package httpapi exposes the primary JSON HTTP surface (spec §4.11, §6):
// task submission, lookup, cancellation, health, and a sanitized config
// snapshot.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/queue"
	"gorm.io/gorm"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	DB      *gorm.DB
	Queue   *queue.Queue
	Pool    *queue.Pool
	Config  *config.Config
	Version string
	Started time.Time

	TaskTimeoutSeconds int
}

// envelope is the uniform response wrapper every endpoint returns.
type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// NewRouter builds the gin engine with the primary JSON surface registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, deps)
	return router
}

// Start launches the primary HTTP server, blocking until ctx is canceled,
// then shutting down gracefully.
func Start(ctx context.Context, bind string, router http.Handler) error {
	if bind == "" {
		bind = "127.0.0.1:8090"
	}
	srv := &http.Server{Addr: bind, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{OK: true, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, envelope{OK: false, Error: err.Error()})
}
