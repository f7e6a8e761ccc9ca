package roadspeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// WindowReport is outcome of single RunWindow call
type WindowReport struct {
	Window          TimeWindow
	Total           int
	Skipped         int // already completed before run
	Completed       int
	Failed          int
	Pending         int // not started because of deadline or cancellation
	DeadlineReached bool
	ResultsFile     string
	Elapsed         time.Duration
}

// WithClock replaces wall clock used for run deadline
func WithClock(now func() time.Time) func(*Engine) {
	return func(engine *Engine) {
		engine.now = now
	}
}

func (engine *Engine) clock() time.Time {
	if engine.now != nil {
		return engine.now()
	}
	return time.Now()
}

// RunWindow processes queue of tasks for time window with all sessions. Tasks completed in checkpoint are skipped.
// When run budget is exhausted no new task is started, in-flight tasks finish and progress is flushed
func (engine *Engine) RunWindow(ctx context.Context, window TimeWindow, tasks []RouteTask, store *CheckpointStore, departure time.Time) (*WindowReport, error) {
	st := engine.clock()
	record, err := store.Load(window)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't resume %s", window)
	}
	if len(engine.active) == 0 {
		return nil, ErrNoSessions
	}

	report := &WindowReport{
		Window: window,
		Total:  len(tasks),
	}
	completed := make(map[int]struct{}, len(record.Completed))
	for _, idx := range record.Completed {
		completed[idx] = struct{}{}
	}
	queue := make(chan int, len(tasks))
	for idx := range tasks {
		if _, done := completed[idx]; done {
			report.Skipped++
			continue
		}
		queue <- idx
	}
	close(queue)
	engine.logger.Info("window_started",
		slog.String("time_window", window.String()),
		slog.Int("total", report.Total),
		slog.Int("skipped", report.Skipped),
		slog.Int("sessions", len(engine.active)),
	)
	if report.Skipped > 0 {
		tasksProcessed.WithLabelValues(window.String(), "skipped").Add(float64(report.Skipped))
	}
	if engine.tracker != nil {
		engine.tracker.begin(window, report.Total, report.Skipped)
		// Window stops running on every return path: error, cancellation and deadline included
		defer func() {
			engine.tracker.end(window, report.DeadlineReached)
		}()
	}

	var deadlineAt time.Time
	if engine.deadline > 0 {
		deadlineAt = st.Add(engine.deadline)
	}

	mu := sync.Mutex{}
	g, gctx := errgroup.WithContext(ctx)
	for range engine.active {
		g.Go(func() error {
			session, err := engine.acquireSession(gctx)
			if err != nil {
				return nil
			}
			defer engine.releaseSession(session)
			for idx := range queue {
				if gctx.Err() != nil {
					return nil
				}
				if !deadlineAt.IsZero() && !engine.clock().Before(deadlineAt) {
					mu.Lock()
					report.DeadlineReached = true
					mu.Unlock()
					return nil
				}
				ok, err := engine.runTask(gctx, session, window, idx, tasks[idx], store, departure)
				if err != nil {
					return err
				}
				mu.Lock()
				if ok {
					report.Completed++
				} else {
					report.Failed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	runErr := g.Wait()
	report.Pending = report.Total - report.Skipped - report.Completed - report.Failed

	// Final flush happens even after cancellation or deadline
	flushErr := store.Flush(window)
	if flushErr != nil {
		return report, errors.Wrapf(flushErr, "Can't flush %s", window)
	}
	if runErr != nil {
		return report, runErr
	}
	report.ResultsFile, err = store.WriteResults(window)
	if err != nil {
		return report, err
	}
	report.Elapsed = engine.clock().Sub(st)
	engine.logger.Info("window_finished",
		slog.String("time_window", window.String()),
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Int("pending", report.Pending),
		slog.Bool("deadline_reached", report.DeadlineReached),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// runTask acquires directions for single task. Returns error only for conditions which must halt the run
func (engine *Engine) runTask(ctx context.Context, session *Session, window TimeWindow, idx int, task RouteTask, store *CheckpointStore, departure time.Time) (bool, error) {
	st := time.Now()
	result, err := engine.acquireWith(ctx, session, task.Origin(), task.Destination(), departure)
	taskDuration.WithLabelValues(window.String()).Observe(time.Since(st).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled task stays pending
			return false, ctx.Err()
		}
		engine.logger.Warn("task_failed",
			slog.String("time_window", window.String()),
			slog.Int("index", idx),
			slog.Int64("origin", task.OriginNode),
			slog.Int64("destination", task.DestNode),
			slog.Any("error", err),
		)
		tasksProcessed.WithLabelValues(window.String(), "failed").Inc()
		if engine.tracker != nil {
			engine.tracker.done(window, false)
		}
		if markErr := store.MarkFailed(window, idx); markErr != nil {
			return false, markErr
		}
		return false, nil
	}
	task.TimeWindow = window
	route := ScrapedRoute{
		Index:         idx,
		RouteTask:     task,
		ScrapedData:   *result,
		DepartureTime: departure,
		ScrapedAt:     time.Now().UTC(),
	}
	if err := store.Record(window, idx, route); err != nil {
		return false, err
	}
	tasksProcessed.WithLabelValues(window.String(), "completed").Inc()
	if engine.tracker != nil {
		engine.tracker.done(window, true)
	}
	return true, nil
}
