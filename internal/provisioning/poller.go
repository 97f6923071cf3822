package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/errdefs"
	"csdriver/internal/logging"
	"csdriver/internal/util/clock"

	"go.uber.org/zap"
)

// JobQuerier fetches async job status.
type JobQuerier interface {
	QueryAsyncJobResult(ctx context.Context, jobID string) (*cloudstack.AsyncJob, error)
}

// Poller waits for async jobs to reach a terminal state.
type Poller struct {
	api      JobQuerier
	interval time.Duration
	clock    clock.Clock
}

// NewPoller creates a Poller querying every interval.
func NewPoller(api JobQuerier, interval time.Duration, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Poller{api: api, interval: interval, clock: clk}
}

// Await polls jobID until it succeeds, fails, or maxWait runs out. A failed
// job is returned as *errdefs.JobFailedError and is never retried.
func (p *Poller) Await(ctx context.Context, jobID string, maxWait time.Duration) (*cloudstack.AsyncJob, error) {
	deadline := p.clock.Now().Add(maxWait)
	return p.poll(ctx, jobID, p.interval, func(int) bool {
		return !p.clock.Now().Add(p.interval).After(deadline)
	})
}

// AwaitAttempts is Await bounded by a number of queries spaced interval
// apart instead of a duration.
func (p *Poller) AwaitAttempts(ctx context.Context, jobID string, attempts int, interval time.Duration) (*cloudstack.AsyncJob, error) {
	return p.poll(ctx, jobID, interval, func(n int) bool {
		return n < attempts
	})
}

func (p *Poller) poll(ctx context.Context, jobID string, interval time.Duration, again func(n int) bool) (*cloudstack.AsyncJob, error) {
	what := "job " + jobID
	for n := 1; ; n++ {
		job, err := p.api.QueryAsyncJobResult(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, errdefs.Timeout(what, err)
			}
			return nil, fmt.Errorf("failed to query %s: %w", what, err)
		}

		switch job.Status {
		case cloudstack.JobSucceeded:
			logging.Logger().Debug("Job succeeded",
				zap.String("job_id", jobID),
				zap.Int("queries", n))
			return job, nil
		case cloudstack.JobFailed:
			return nil, &errdefs.JobFailedError{
				JobID: jobID,
				Code:  job.ErrorCode(),
				Text:  job.ErrorText(),
			}
		case cloudstack.JobPending:
		default:
			return nil, fmt.Errorf("%s has unknown status %d", what, int(job.Status))
		}

		if !again(n) {
			return nil, errdefs.Timeout(what, nil)
		}
		logging.Logger().Debug("Job pending",
			zap.String("job_id", jobID),
			zap.Int("query", n),
			zap.Duration("retry_in", interval))
		if err := p.clock.Sleep(ctx, interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, errdefs.Timeout(what, nil)
			}
			return nil, err
		}
	}
}
