// Package profile selects the resource-cap bundle (1g/2g/4g/8g) the rest of
// the engine runs under, either from an explicit config override or from
// detected system memory.
package profile

import (
	"fmt"

	"github.com/pallet-run/palletd/internal/config"
	"github.com/shirou/gopsutil/v4/mem"
)

// Caps is one named bundle of resource caps, published read-only once at
// startup (spec §4.2, §9 "Global state").
type Caps struct {
	Name             string
	WorkerCount      int
	LLMConcurrency   int
	SkillConcurrency int
	CacheBudgetMB    int
	QueueLimit       int
	UserRPM          int
}

var bundles = map[string]Caps{
	"1g": {Name: "1g", WorkerCount: 2, LLMConcurrency: 1, SkillConcurrency: 1, CacheBudgetMB: 64, QueueLimit: 50, UserRPM: 20},
	"2g": {Name: "2g", WorkerCount: 3, LLMConcurrency: 2, SkillConcurrency: 2, CacheBudgetMB: 128, QueueLimit: 150, UserRPM: 20},
	"4g": {Name: "4g", WorkerCount: 6, LLMConcurrency: 4, SkillConcurrency: 4, CacheBudgetMB: 256, QueueLimit: 400, UserRPM: 20},
	"8g": {Name: "8g", WorkerCount: 12, LLMConcurrency: 8, SkillConcurrency: 8, CacheBudgetMB: 512, QueueLimit: 1000, UserRPM: 20},
}

// Select picks a Caps bundle. An explicit cfg.Profile.Name wins; otherwise
// detected RAM picks a bundle as detect describes. Individual cap
// fields set in cfg.Profile override the bundle's values field-by-field.
func Select(cfg config.ProfileConfig) (Caps, error) {
	name := cfg.Name
	if name == "" {
		detected, err := detect()
		if err != nil {
			return Caps{}, fmt.Errorf("profile: detect ram: %w", err)
		}
		name = detected
	}
	caps, ok := bundles[name]
	if !ok {
		return Caps{}, fmt.Errorf("profile: unknown profile %q", name)
	}
	if cfg.WorkerCount > 0 {
		caps.WorkerCount = cfg.WorkerCount
	}
	if cfg.LLMConcurrency > 0 {
		caps.LLMConcurrency = cfg.LLMConcurrency
	}
	if cfg.SkillConcurrency > 0 {
		caps.SkillConcurrency = cfg.SkillConcurrency
	}
	if cfg.CacheBudgetMB > 0 {
		caps.CacheBudgetMB = cfg.CacheBudgetMB
	}
	if cfg.QueueLimit > 0 {
		caps.QueueLimit = cfg.QueueLimit
	}
	if cfg.UserRPM > 0 {
		caps.UserRPM = cfg.UserRPM
	}
	return caps, nil
}

// detect maps total system RAM to a profile name: under 1.75 GiB is 1g,
// under 3.5 GiB 2g, under 7 GiB 4g, and anything larger 8g.
func detect() (string, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "", err
	}
	gib := float64(vm.Total) / (1 << 30)
	switch {
	case gib < 1.75:
		return "1g", nil
	case gib < 3.5:
		return "2g", nil
	case gib < 7:
		return "4g", nil
	default:
		return "8g", nil
	}
}
