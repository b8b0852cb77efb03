// Package flags evaluates feature gates and the comparative-report rollout
// percentage. Rollout inclusion is a stable hash of the project id, so a
// project's verdict never flips between evaluations.
package flags

import (
	"hash/fnv"

	"github.com/marketlens/marketlens/internal/config"
)

// Flags answers feature-gate questions from config.
type Flags struct {
	cfg config.FeatureConfig
}

// New creates a Flags evaluator.
func New(cfg config.FeatureConfig) *Flags {
	return &Flags{cfg: cfg}
}

// ComparativeReportsEnabled reports whether the project is inside the
// rollout percentage.
func (f *Flags) ComparativeReportsEnabled(projectID string) bool {
	return InRollout(projectID, f.cfg.RolloutPercentage)
}

// FreshSnapshotRequired reports whether reports must refuse stale inputs.
func (f *Flags) FreshSnapshotRequired() bool { return f.cfg.FreshSnapshotRequirement }

// RealTimeUpdates reports whether status events stream to subscribers.
func (f *Flags) RealTimeUpdates() bool { return f.cfg.RealTimeUpdates }

// IntelligentCaching reports whether resolution caching is on.
func (f *Flags) IntelligentCaching() bool { return f.cfg.IntelligentCaching }

// ZombieJanitor reports whether the background report janitor runs.
func (f *Flags) ZombieJanitor() bool { return f.cfg.ZombieJanitor }

// InRollout buckets the key into [0,100) with FNV-1a and compares against
// the percentage. The same key always lands in the same bucket.
func InRollout(key string, percentage int) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()%100) < percentage
}
