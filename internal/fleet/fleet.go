// Package fleet runs independent instance lifecycles concurrently, each on
// its own record.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csdriver/internal/logging"
	"csdriver/internal/state"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle creates and destroys a single named instance.
type Lifecycle interface {
	Create(ctx context.Context, instanceName string) (*state.InstanceRecord, error)
	Destroy(ctx context.Context, instanceName string) error
}

// Result is the outcome for one instance name.
type Result struct {
	Name     string
	Record   *state.InstanceRecord
	Err      error
	Duration time.Duration
}

// Runner fans lifecycles out over a bounded worker pool.
type Runner struct {
	lifecycle      Lifecycle
	maxConcurrency int
}

// NewRunner creates a Runner running at most maxConcurrency lifecycles at a
// time.
func NewRunner(lifecycle Lifecycle, maxConcurrency int) *Runner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Runner{lifecycle: lifecycle, maxConcurrency: maxConcurrency}
}

// CreateAll creates every named instance. Results are in input order.
func (r *Runner) CreateAll(ctx context.Context, names []string) []Result {
	return r.run(ctx, "create", names, func(ctx context.Context, name string) (*state.InstanceRecord, error) {
		return r.lifecycle.Create(ctx, name)
	})
}

// DestroyAll destroys every named instance. Results are in input order.
func (r *Runner) DestroyAll(ctx context.Context, names []string) []Result {
	return r.run(ctx, "destroy", names, func(ctx context.Context, name string) (*state.InstanceRecord, error) {
		return nil, r.lifecycle.Destroy(ctx, name)
	})
}

func (r *Runner) run(ctx context.Context, op string, names []string, fn func(context.Context, string) (*state.InstanceRecord, error)) []Result {
	runID := uuid.NewString()
	log := logging.Logger().With(zap.String("run_id", runID), zap.String("op", op))

	results := make([]Result, len(names))
	seen := make(map[string]bool, len(names))

	workers := min(r.maxConcurrency, max(len(names), 1))
	pool := pond.NewPool(workers)

	log.Info("Starting fleet run",
		zap.Strings("instances", names),
		zap.Int("workers", workers))

	for i, name := range names {
		results[i].Name = name
		if seen[name] {
			// Two lifecycles must never share a record.
			results[i].Err = fmt.Errorf("instance %s listed more than once", name)
			continue
		}
		seen[name] = true

		pool.Submit(func() {
			start := time.Now()
			rec, err := fn(ctx, name)
			results[i].Record = rec
			results[i].Err = err
			results[i].Duration = time.Since(start)

			if err != nil {
				log.Error("Lifecycle failed",
					zap.String("instance_name", name),
					zap.Duration("duration", results[i].Duration),
					zap.Error(err))
				return
			}
			log.Info("Lifecycle finished",
				zap.String("instance_name", name),
				zap.Duration("duration", results[i].Duration))
		})
	}

	pool.StopAndWait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Info("Fleet run finished",
		zap.Int("instances", len(names)),
		zap.Int("failed", failed))
	return results
}

// Err joins the errors of every failed result, prefixed with its name.
func Err(results []Result) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}
