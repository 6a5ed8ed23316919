// Package periodic runs the background sweeps (risk decay, lockdown expiry, evidence reaping, heat decay) on independent tickers.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_periodic_runs_total",
	Help: "Number of background task runs, by task and outcome",
}, []string{"task", "status"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "lithium_periodic_run_duration_seconds",
	Help:    "Duration of background task runs",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
}, []string{"task"})

// Task is one periodic job. Timeout bounds a single run and defaults to half the interval.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	Logger *slog.Logger

	tasks []Task
	wg    sync.WaitGroup

	lk     sync.Mutex
	cancel context.CancelFunc
}

func NewRunner(logger *slog.Logger, tasks ...Task) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Logger: logger.With("component", "periodic"),
		tasks:  tasks,
	}
}

func (r *Runner) Add(t Task) {
	r.tasks = append(r.tasks, t)
}

func (t Task) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return t.Interval / 2
}

// Start launches one goroutine per task. The first run happens after one interval.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.lk.Lock()
	r.cancel = cancel
	r.lk.Unlock()

	for _, t := range r.tasks {
		if t.Interval <= 0 || t.Run == nil {
			r.Logger.Warn("skipping periodic task without interval or body", "task", t.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	r.Logger.Info("starting periodic task", "task", t.Name, "interval", t.Interval)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// errors are logged inside runOnce; the loop carries on to the next tick
			_ = r.runOnce(ctx, t)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, t Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	ctx, span := otel.Tracer("lithium").Start(ctx, "periodic."+t.Name)
	span.SetAttributes(attribute.String("task", t.Name))
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in periodic task %s: %v", t.Name, p)
		}
		taskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			taskRuns.WithLabelValues(t.Name, "error").Inc()
			span.RecordError(err)
			r.Logger.Error("periodic task failed", "task", t.Name, "err", err)
			return
		}
		taskRuns.WithLabelValues(t.Name, "ok").Inc()
	}()
	return t.Run(ctx)
}

// RunNow runs the named task once, synchronously. Used by one-shot CLI commands.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	for _, t := range r.tasks {
		if t.Name == name {
			return r.runOnce(ctx, t)
		}
	}
	return fmt.Errorf("unknown periodic task: %s", name)
}

// Shutdown cancels every loop and waits for in-flight runs to return.
func (r *Runner) Shutdown() {
	r.lk.Lock()
	cancel := r.cancel
	r.lk.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
