// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/mockmarket/lib/clock"
)

// ReaperConfig holds the parameters for a Reaper.
type ReaperConfig struct {
	// MaxAge is how long a session may go unaccessed before it is
	// reclaimed. Required.
	MaxAge time.Duration

	// Interval is the time between sweeps. Required.
	Interval time.Duration

	// Clock drives the sweep ticker. Required.
	Clock clock.Clock

	// Logger receives sweep summaries. Discarded if nil.
	Logger *slog.Logger

	// OnSweep, if set, is called after every sweep. Tests use it to
	// observe sweeps without polling.
	OnSweep func(SweepResult)
}

// SweepResult is the outcome of one reclamation sweep.
type SweepResult struct {
	Reclaimed []string
	Err       error
}

// Reaper periodically reclaims idle sessions from a Manager.
type Reaper struct {
	manager *Manager
	config  ReaperConfig
	logger  *slog.Logger
}

// NewReaper validates config and returns a Reaper for manager.
func NewReaper(manager *Manager, config ReaperConfig) (*Reaper, error) {
	if manager == nil {
		return nil, fmt.Errorf("sessionstore: reaper: manager is required")
	}
	if config.MaxAge <= 0 {
		return nil, fmt.Errorf("sessionstore: reaper: MaxAge must be positive, got %v", config.MaxAge)
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("sessionstore: reaper: Interval must be positive, got %v", config.Interval)
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("sessionstore: reaper: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{manager: manager, config: config, logger: logger}, nil
}

// Run sweeps once immediately and then on every tick until ctx is
// done. It returns ctx's error.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.config.Clock.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("session reaper started",
		"max_age", r.config.MaxAge,
		"interval", r.config.Interval,
	)

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclamation pass.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	reclaimed, err := r.manager.ReclaimIdle(ctx, r.config.MaxAge)
	result := SweepResult{Reclaimed: reclaimed, Err: err}
	if err != nil {
		r.logger.Warn("session sweep finished with errors",
			"reclaimed", len(reclaimed),
			"error", err,
		)
	} else if len(reclaimed) > 0 {
		r.logger.Info("session sweep reclaimed sessions", "reclaimed", len(reclaimed))
	}
	if r.config.OnSweep != nil {
		r.config.OnSweep(result)
	}
	return result
}
