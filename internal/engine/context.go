// Package engine holds the engine context built once at startup: logger,
// config snapshot, profile caps, LLM and skill semaphores, and the store
// handle. It is never a package global.
package engine

import (
	"time"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Context bundles the startup state. cmd/palletd's serve builds one and
// reads only its Started time; the other components are constructed from
// their own store handle, logger and caps rather than from a Context.
// LLMSem and SkillSem are not acquired by any component: the LLM gateway and
// the skill dispatcher each hold their own semaphore.
type Context struct {
	Logger *zap.SugaredLogger
	Config *config.Config
	Caps   profile.Caps
	DB     *gorm.DB

	LLMSem   *semaphore.Weighted
	SkillSem *semaphore.Weighted

	Started time.Time
	Version string
}

// New builds an engine context from a loaded config, selected profile caps,
// and an open store handle.
func New(logger *zap.SugaredLogger, cfg *config.Config, caps profile.Caps, db *gorm.DB, version string) *Context {
	return &Context{
		Logger:   logger,
		Config:   cfg,
		Caps:     caps,
		DB:       db,
		LLMSem:   semaphore.NewWeighted(int64(caps.LLMConcurrency)),
		SkillSem: semaphore.NewWeighted(int64(caps.SkillConcurrency)),
		Started:  time.Now(),
		Version:  version,
	}
}

// Uptime reports how long the engine context has been alive.
func (c *Context) Uptime() time.Duration { return time.Since(c.Started) }
