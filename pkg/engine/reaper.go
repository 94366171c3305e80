package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Reaper tears down and purges deployments whose TTL has passed.
type Reaper struct {
	repo      DeploymentRepository
	handler   *Handler
	publisher EventPublisher
	recorder  Recorder
	logger    zerolog.Logger
	batchSize int
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Expired int      `json:"expired"`
	Purged  int      `json:"purged"`
	Failed  []string `json:"failed,omitempty"`
}

// NewReaper creates a Reaper that removes expired deployments through handler.
func NewReaper(repo DeploymentRepository, handler *Handler, opts Options, batchSize int) *Reaper {
	opts = opts.withDefaults()
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reaper{
		repo:      repo,
		handler:   handler,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		logger:    opts.Logger.With().Str("component", "reaper").Logger(),
		batchSize: batchSize,
	}
}

// Sweep runs the REMOVE path for every deployment expired at now, then deletes
// the records whose cleanup completed. Failures are collected, not fatal.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	expired, err := r.repo.ListExpired(ctx, now, r.batchSize)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Expired: len(expired)}
	if len(expired) == 0 {
		r.logger.Debug().Msg("No expired deployments found")
		return res, nil
	}

	var errs []error
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		depID := rec.DeploymentID
		publish(ctx, r.publisher, r.logger, &Event{
			Type:         EventTypeDeploymentExpired,
			DeploymentID: depID,
			Data:         map[string]interface{}{"expires_at": rec.ExpiresAt},
		})

		if err := r.handler.Handle(ctx, NewRemoveEvent(depID)); err != nil {
			res.Failed = append(res.Failed, depID)
			errs = append(errs, fmt.Errorf("cleanup %s: %w", depID, err))
			continue
		}

		if err := r.repo.DeleteDeployment(ctx, depID); err != nil {
			res.Failed = append(res.Failed, depID)
			errs = append(errs, fmt.Errorf("purge %s: %w", depID, err))
			continue
		}
		res.Purged++
	}

	r.recorder.RecordExpired(res.Purged)
	r.logger.Info().
		Int("expired", res.Expired).
		Int("purged", res.Purged).
		Int("failed", len(res.Failed)).
		Msg("Expiry sweep finished")

	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if _, err := r.Sweep(ctx, t); err != nil {
				r.logger.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}
