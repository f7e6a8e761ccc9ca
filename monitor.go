package roadspeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WindowStatus is live progress of single time window
type WindowStatus struct {
	Window          TimeWindow `json:"time_window"`
	Total           int        `json:"total"`
	Skipped         int        `json:"skipped"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Running         bool       `json:"running"`
	DeadlineReached bool       `json:"deadline_reached"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at,omitempty"`
}

// ProgressTracker collects run progress for status endpoint. Safe for concurrent use
type ProgressTracker struct {
	mu      sync.RWMutex
	windows map[TimeWindow]*WindowStatus
}

// NewProgressTracker returns empty tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		windows: make(map[TimeWindow]*WindowStatus),
	}
}

func (tracker *ProgressTracker) begin(window TimeWindow, total, skipped int) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.windows[window] = &WindowStatus{
		Window:    window,
		Total:     total,
		Skipped:   skipped,
		Running:   true,
		StartedAt: time.Now().UTC(),
	}
}

func (tracker *ProgressTracker) done(window TimeWindow, ok bool) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	status, exists := tracker.windows[window]
	if !exists {
		return
	}
	if ok {
		status.Completed++
	} else {
		status.Failed++
	}
}

func (tracker *ProgressTracker) end(window TimeWindow, deadlineReached bool) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	status, exists := tracker.windows[window]
	if !exists {
		return
	}
	status.Running = false
	status.DeadlineReached = deadlineReached
	status.FinishedAt = time.Now().UTC()
}

// Snapshot returns copy of every window status in daily order
func (tracker *ProgressTracker) Snapshot() []WindowStatus {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	statuses := []WindowStatus{}
	for _, window := range AllTimeWindows() {
		if status, ok := tracker.windows[window]; ok {
			statuses = append(statuses, *status)
		}
	}
	return statuses
}

// NewMonitorRouter returns HTTP handler exposing /status and /metrics
func NewMonitorRouter(tracker *ProgressTracker) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "OPTIONS"}
	r.Use(cors.New(config))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"windows": tracker.Snapshot()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return r
}

// ServeMonitor runs monitor server until ctx is done
func ServeMonitor(ctx context.Context, addr string, tracker *ProgressTracker) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewMonitorRouter(tracker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "Monitor server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
