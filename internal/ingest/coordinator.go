package ingest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/resilience"
	"github.com/propscan/propscan-cli/internal/store"
)

// CoordinatorConfig tunes retry and circuit breaker behavior around
// source pulls.
type CoordinatorConfig struct {
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// DefaultCoordinatorConfig returns the stock pull protection settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Retry:   resilience.DefaultRetryConfig(),
		Breaker: resilience.DefaultCircuitBreakerConfig(),
	}
}

// jobHandle is the in-process state for a running job.
type jobHandle struct {
	cancelled atomic.Bool
	done      atomic.Bool
}

// Coordinator runs ingestion jobs: one bounded lane per source, each
// pull wrapped in retry and a per-source circuit breaker, followed by
// selective metric recompute of the properties that changed.
type Coordinator struct {
	st      store.Store
	sources []Source
	rec     *Recomputer
	cfg     CoordinatorConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	handles  sync.Map

	now func() time.Time
	log *zap.Logger
}

// NewCoordinator wires a coordinator over the given sources.
func NewCoordinator(st store.Store, sources []Source, rec *Recomputer, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		st:       st,
		sources:  sources,
		rec:      rec,
		cfg:      cfg,
		breakers: make(map[string]*resilience.CircuitBreaker),
		now:      time.Now,
		log:      zap.L().Named("ingest"),
	}
}

// Run persists a queued job and starts it asynchronously, returning
// the job ID immediately. The run itself detaches from the caller's
// cancellation; use Cancel to stop it.
func (c *Coordinator) Run(ctx context.Context, scope []string, force bool) (string, error) {
	job := &model.IngestionJob{
		ID:           uuid.NewString(),
		Scope:        normalizeScope(scope),
		ForceRefresh: force,
		State:        model.JobQueued,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.st.CreateJob(ctx, job); err != nil {
		return "", eris.Wrap(err, "ingest: create job")
	}

	h := &jobHandle{}
	c.handles.Store(job.ID, h)

	go c.run(context.WithoutCancel(ctx), job, h)

	return job.ID, nil
}

// Cancel requests a graceful stop of a running job. The job is marked
// cancelling in the store first, so status reads see the request, then
// the flag is flipped; it is checked between work units and an
// in-flight source call is never interrupted. Reports whether the job
// was known and still running.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) bool {
	v, ok := c.handles.Load(jobID)
	if !ok {
		return false
	}
	h := v.(*jobHandle)
	if h.done.Load() {
		return false
	}
	if job, err := c.st.GetJob(ctx, jobID); err != nil {
		c.log.Error("failed to load job for cancel", zap.String("job_id", jobID), zap.Error(err))
	} else {
		job.State = model.JobCancelling
		if err := c.st.UpdateJob(ctx, job); err != nil {
			c.log.Error("failed to mark job cancelling", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	h.cancelled.Store(true)
	return true
}

func (c *Coordinator) run(ctx context.Context, job *model.IngestionJob, h *jobHandle) {
	defer h.done.Store(true)

	log := c.log.With(zap.String("job_id", job.ID), zap.Strings("scope", job.Scope))

	started := c.now().UTC()
	job.State = model.JobRunning
	job.StartedAt = &started
	if err := c.st.UpdateJob(ctx, job); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
	}

	effScope := job.Scope
	if len(effScope) == 0 {
		districts, err := c.st.Districts(ctx)
		if err != nil {
			c.finish(ctx, job, model.JobFailed, log)
			return
		}
		effScope = districts
	}

	scopeKey := ScopeKey(job.Scope)

	var mu sync.Mutex
	var attempted int

	g := new(errgroup.Group)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			if h.cancelled.Load() {
				return nil
			}

			srcLog := log.With(zap.String("source", src.Name()))

			if !job.ForceRefresh {
				last, err := c.st.LastSuccessfulPull(ctx, src.Name(), scopeKey)
				if err != nil {
					srcLog.Warn("freshness check failed, pulling anyway", zap.Error(err))
				} else if last != nil && c.now().UTC().Sub(*last) < src.FreshnessWindow() {
					srcLog.Debug("skipping (fresh)", zap.Time("last_pull", *last))
					return nil
				}
			}

			mu.Lock()
			attempted++
			mu.Unlock()

			pullStarted := c.now().UTC()
			result, attempts, err := c.pull(ctx, src, effScope, srcLog)
			completed := c.now().UTC()

			rec := &store.PullRecord{
				Source:      src.Name(),
				ScopeKey:    scopeKey,
				StartedAt:   pullStarted,
				CompletedAt: &completed,
			}

			if err != nil {
				rec.Status = store.PullFailed
				rec.Error = err.Error()
				srcLog.Error("pull failed", zap.Error(err), zap.Int("attempts", attempts))
				mu.Lock()
				job.SourceErrors = append(job.SourceErrors, model.SourceError{
					Source:   src.Name(),
					Error:    err.Error(),
					Attempts: attempts,
				})
				mu.Unlock()
			} else {
				rec.Status = store.PullSucceeded
				rec.RowsPulled = result.Rows
				srcLog.Info("pull complete", zap.Int64("rows", result.Rows))
				mu.Lock()
				addCounts(&job.Counts, result.Counts)
				mu.Unlock()
			}

			if logErr := c.st.RecordPull(ctx, rec); logErr != nil {
				srcLog.Error("failed to record pull", zap.Error(logErr))
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.cancelled.Load() {
		c.finish(ctx, job, model.JobCancelled, log)
		return
	}

	recomputed, unchanged, err := c.rec.Recompute(ctx, effScope)
	job.Counts.MetricsRecomputed = recomputed
	job.Counts.PropertiesUnchanged = unchanged
	if err != nil {
		log.Error("recompute failed", zap.Error(err))
		job.SourceErrors = append(job.SourceErrors, model.SourceError{Source: "recompute", Error: err.Error(), Attempts: 1})
		c.finish(ctx, job, model.JobFailed, log)
		return
	}

	state := model.JobSucceeded
	switch {
	case len(job.SourceErrors) == 0:
	case attempted > 0 && len(job.SourceErrors) == attempted:
		state = model.JobFailed
	default:
		state = model.JobPartiallyFailed
	}
	c.finish(ctx, job, state, log)
}

// pull runs one source through retry and its circuit breaker,
// reporting how many attempts were made.
func (c *Coordinator) pull(ctx context.Context, src Source, scope []string, log *zap.Logger) (*PullResult, int, error) {
	cb := c.breakerFor(src.Name())

	attempts := 1
	cfg := c.cfg.Retry
	prevOnRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error) {
		attempts = attempt + 1
		log.Warn("retrying pull", zap.Int("attempt", attempt), zap.Error(err))
		if prevOnRetry != nil {
			prevOnRetry(attempt, err)
		}
	}

	var result *PullResult
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return cb.Execute(ctx, func(ctx context.Context) error {
			r, pullErr := src.Pull(ctx, scope)
			if pullErr != nil {
				return pullErr
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}

func (c *Coordinator) breakerFor(source string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[source]
	if !ok {
		cb = resilience.NewCircuitBreaker(c.cfg.Breaker)
		c.breakers[source] = cb
	}
	return cb
}

func (c *Coordinator) finish(ctx context.Context, job *model.IngestionJob, state model.JobState, log *zap.Logger) {
	completed := c.now().UTC()
	job.State = state
	job.CompletedAt = &completed
	if err := c.st.UpdateJob(ctx, job); err != nil {
		log.Error("failed to finalize job", zap.Error(err))
	}
	log.Info("job finished",
		zap.String("state", string(state)),
		zap.Int("source_errors", len(job.SourceErrors)),
		zap.Int("recomputed", job.Counts.MetricsRecomputed),
	)
}

func normalizeScope(scope []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range scope {
		d = strings.ToUpper(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
