package roadspeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser is scripted Browser. navigate is called with 1-based navigation number
type fakeBrowser struct {
	mu            sync.Mutex
	launches      int
	closes        int
	navigations   []string
	evaluations   []string
	selectorCalls int

	launchErr    error
	navigate     func(call int, slot *CaptureSlot) error
	pageState    string
	challenge    string
	durationText string
	distanceText string
}

func (browser *fakeBrowser) Launch(ctx context.Context, identity Identity) error {
	browser.mu.Lock()
	defer browser.mu.Unlock()
	browser.launches++
	return browser.launchErr
}

func (browser *fakeBrowser) Close() error {
	browser.mu.Lock()
	defer browser.mu.Unlock()
	browser.closes++
	return nil
}

func (browser *fakeBrowser) Navigate(ctx context.Context, url string, slot *CaptureSlot) error {
	browser.mu.Lock()
	browser.navigations = append(browser.navigations, url)
	call := len(browser.navigations)
	browser.mu.Unlock()
	if browser.navigate == nil {
		return nil
	}
	return browser.navigate(call, slot)
}

func (browser *fakeBrowser) WaitForData(ctx context.Context) error {
	return nil
}

func (browser *fakeBrowser) Evaluate(ctx context.Context, script string) (string, error) {
	browser.mu.Lock()
	defer browser.mu.Unlock()
	browser.evaluations = append(browser.evaluations, script)
	switch script {
	case challengeProbe:
		return browser.challenge, nil
	case pageStateProbe:
		return browser.pageState, nil
	default:
		return "", nil
	}
}

func (browser *fakeBrowser) TextBySelectors(ctx context.Context, selectors []string) (string, error) {
	browser.mu.Lock()
	defer browser.mu.Unlock()
	browser.selectorCalls++
	if len(selectors) > 0 && selectors[0] == durationSelectors[0] {
		return browser.durationText, nil
	}
	return browser.distanceText, nil
}

func (browser *fakeBrowser) pageStateCalls() int {
	browser.mu.Lock()
	defer browser.mu.Unlock()
	n := 0
	for _, script := range browser.evaluations {
		if script == pageStateProbe {
			n++
		}
	}
	return n
}

// recordingSleeper remembers every pause without sleeping
type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (sleeper *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	sleeper.mu.Lock()
	sleeper.pauses = append(sleeper.pauses, d)
	sleeper.mu.Unlock()
	return ctx.Err()
}

func offerPayload(call int, slot *CaptureSlot) error {
	slot.Offer([]byte(directionsPayload))
	return nil
}

func newTestEngine(t *testing.T, browser *fakeBrowser, sleeper *recordingSleeper, options ...func(*Engine)) *Engine {
	t.Helper()
	base := []func(*Engine){
		WithSessions(1),
		WithBrowserFactory(func() Browser { return browser }),
		WithIdentityPool(NewIdentityPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, t.TempDir(), 1)),
		WithSleeper(sleeper.sleep),
		WithRandSource(rand.NewSource(42)),
		WithDelays(2*time.Second, 10*time.Second),
		WithStepTimeout(time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	engine := NewEngine(append(base, options...)...)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		engine.Close()
	})
	return engine
}

var (
	testOrigin      = GeoPoint{Lat: -6.2, Lon: 106.8}
	testDestination = GeoPoint{Lat: -6.21, Lon: 106.81}
)

func TestDirectionsURL(t *testing.T) {
	engine := NewEngine(WithBaseURL("https://maps.example.com/dir/"))
	departure := time.Unix(1767225600, 0)
	assert.Equal(t, "https://maps.example.com/dir/-6.2,106.8/-6.21,106.81?departure_time=1767225600", engine.DirectionsURL(testOrigin, testDestination, departure))
	assert.Equal(t, "https://maps.example.com/dir/-6.2,106.8/-6.21,106.81", engine.DirectionsURL(testOrigin, testDestination, time.Time{}))
}

func TestNewEngineBounds(t *testing.T) {
	engine := NewEngine(WithSessions(10), WithDelays(5*time.Second, time.Second), WithBlockCooldown(time.Second, 3))
	assert.Equal(t, MaxSessions, engine.Sessions())
	assert.Equal(t, 5*time.Second, engine.maxDelay)
	assert.Greater(t, engine.BlockCooldown(), engine.maxDelay)

	engine = NewEngine(WithSessions(0))
	assert.Equal(t, 1, engine.Sessions())
}

func TestAcquireResponseCaptureShortCircuits(t *testing.T) {
	browser := &fakeBrowser{navigate: offerPayload, pageState: directionsPayload, durationText: "20 min", distanceText: "5 km"}
	sleeper := &recordingSleeper{}
	engine := newTestEngine(t, browser, sleeper)

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, result.Method)
	assert.Equal(t, 1920.0, result.DurationInTraffic.Value)
	assert.False(t, result.ExtractedAt.IsZero())
	assert.Equal(t, 0, browser.pageStateCalls(), "page state must not be probed")
	assert.Equal(t, 0, browser.selectorCalls, "rendered text must not be read")
	assert.Equal(t, SESSION_READY, engine.active[0].State())
	assert.Equal(t, 1, engine.active[0].Requests())

	require.Len(t, sleeper.pauses, 1)
	assert.GreaterOrEqual(t, sleeper.pauses[0], 2*time.Second)
	assert.LessOrEqual(t, sleeper.pauses[0], 10*time.Second)
}

func TestAcquirePageStateTier(t *testing.T) {
	state := `[1,2,{"routes":[{"legs":[{"duration":{"text":"7 min","value":420},"distance":{"text":"2 km","value":2000}}]}]}]`
	browser := &fakeBrowser{pageState: state, durationText: "20 min", distanceText: "5 km"}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_PAGE_STATE, result.Method)
	assert.Equal(t, 420.0, result.Duration.Value)
	assert.False(t, result.TrafficAware)
	assert.Equal(t, 0, browser.selectorCalls)
}

func TestAcquireRenderedTextTier(t *testing.T) {
	browser := &fakeBrowser{durationText: "20-35 min", distanceText: "12,5 km"}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RENDERED_TEXT, result.Method)
	assert.Equal(t, 1200.0, result.Duration.Value)
	assert.Equal(t, 2100.0, result.DurationInTraffic.Value)
	assert.Equal(t, 12500.0, result.Distance.Value)
	assert.Equal(t, 1, browser.pageStateCalls())
}

func TestAcquireIgnoresLateResponsesOfPreviousTask(t *testing.T) {
	stale := `{"routes":[{"legs":[{"duration":{"text":"99 min","value":5940},"distance":{"text":"99 km","value":99000}}]}]}`
	var firstSlot *CaptureSlot
	browser := &fakeBrowser{durationText: "18 min", distanceText: "6.2 km"}
	browser.navigate = func(call int, slot *CaptureSlot) error {
		if call == 1 {
			firstSlot = slot
			slot.Offer([]byte(directionsPayload))
			return nil
		}
		// Body of the first page arrives while the second one is loading
		firstSlot.Offer([]byte(stale))
		firstSlot.MarkBlocked(DetectionBlock{StatusCode: 429})
		assert.NotSame(t, firstSlot, slot)
		return nil
	}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, result.Method)
	assert.True(t, firstSlot.Closed())

	result, err = engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RENDERED_TEXT, result.Method, "stale payload must not be used")
	assert.Equal(t, 1080.0, result.Duration.Value)
	assert.Equal(t, 6200.0, result.Distance.Value)
	assert.Empty(t, firstSlot.Take())
	_, blocked := firstSlot.Blocked()
	assert.False(t, blocked)
}

func TestAcquireNoData(t *testing.T) {
	browser := &fakeBrowser{}
	sleeper := &recordingSleeper{}
	engine := newTestEngine(t, browser, sleeper, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(2*time.Second, 30*time.Second),
	}))

	_, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDataExtracted))
	assert.Len(t, browser.navigations, 3)
	assert.Contains(t, sleeper.pauses, 2*time.Second)
	assert.Contains(t, sleeper.pauses, 4*time.Second)
	assert.Equal(t, SESSION_READY, engine.active[0].State())
	assert.Equal(t, 3, engine.active[0].Requests())
}

func TestAcquireNavigationErrorIsRetried(t *testing.T) {
	browser := &fakeBrowser{navigate: func(call int, slot *CaptureSlot) error {
		if call == 1 {
			return &NavigationError{URL: "x", Err: fmt.Errorf("net::ERR_TIMED_OUT")}
		}
		return offerPayload(call, slot)
	}}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, result.Method)
	assert.Len(t, browser.navigations, 2)
}

func TestAcquireBlockCooldownAndRotation(t *testing.T) {
	browser := &fakeBrowser{navigate: func(call int, slot *CaptureSlot) error {
		if call == 1 {
			slot.MarkBlocked(DetectionBlock{StatusCode: 429})
			return nil
		}
		return offerPayload(call, slot)
	}}
	sleeper := &recordingSleeper{}
	engine := newTestEngine(t, browser, sleeper)
	identityBefore := engine.active[0].identity

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, result.Method)

	require.Len(t, sleeper.pauses, 2)
	assert.Equal(t, engine.BlockCooldown(), sleeper.pauses[0])
	assert.Greater(t, sleeper.pauses[0], 10*time.Second, "delay after block must exceed max delay")
	assert.Equal(t, 2, browser.launches, "identity must be rotated after block")
	assert.NotEqual(t, identityBefore.ProfileDir, engine.active[0].identity.ProfileDir)
	assert.NotEqual(t, identityBefore.Proxy, engine.active[0].identity.Proxy)
}

func TestAcquireChallengePageIsBlock(t *testing.T) {
	browser := &fakeBrowser{navigate: offerPayload, challenge: "captcha"}
	sleeper := &recordingSleeper{}
	engine := newTestEngine(t, browser, sleeper, WithBlockCooldown(90*time.Second, 1))

	_, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDataExtracted))
	assert.Len(t, browser.navigations, 2)
	assert.Equal(t, []time.Duration{90 * time.Second, 90 * time.Second}, sleeper.pauses)
}

func TestAcquireCrashRetriedOnce(t *testing.T) {
	browser := &fakeBrowser{navigate: func(call int, slot *CaptureSlot) error {
		if call == 1 {
			return ErrBrowserCrash
		}
		return offerPayload(call, slot)
	}}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	result, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, result.Method)
	assert.Len(t, browser.navigations, 2)
	assert.Equal(t, 2, browser.launches)
	assert.Equal(t, SESSION_READY, engine.active[0].State())
}

func TestAcquireCrashTwiceFails(t *testing.T) {
	browser := &fakeBrowser{navigate: func(call int, slot *CaptureSlot) error {
		return ErrBrowserCrash
	}}
	engine := newTestEngine(t, browser, &recordingSleeper{})

	_, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrowserCrash))
	assert.Len(t, browser.navigations, 2)
	assert.Equal(t, SESSION_READY, engine.active[0].State(), "session must be usable for the next task")
}

func TestAcquireScheduledRotation(t *testing.T) {
	browser := &fakeBrowser{navigate: offerPayload}
	engine := newTestEngine(t, browser, &recordingSleeper{}, WithRotation(2, 3))

	for i := 0; i < 4; i++ {
		_, err := engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
		require.NoError(t, err)
	}
	// start, proxy rotation before 3rd request, identity rotation before 4th
	assert.Equal(t, 3, browser.launches)
}

func TestStartNoSessions(t *testing.T) {
	browser := &fakeBrowser{launchErr: fmt.Errorf("chrome not found")}
	engine := NewEngine(
		WithSessions(2),
		WithBrowserFactory(func() Browser { return browser }),
		WithIdentityPool(NewIdentityPool(nil, t.TempDir(), 1)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	err := engine.Start(context.Background())
	assert.True(t, errors.Is(err, ErrNoSessions))
	_, err = engine.AcquireDirections(context.Background(), testOrigin, testDestination, time.Time{})
	assert.True(t, errors.Is(err, ErrNoSessions))
}

func testTasks(n int) []RouteTask {
	tasks := make([]RouteTask, n)
	for i := range tasks {
		tasks[i] = RouteTask{
			OriginNode:   int64(i + 1),
			DestNode:     int64(i + 101),
			OriginCoords: [2]float64{-6.2, 106.8 + float64(i)*0.01},
			DestCoords:   [2]float64{-6.21, 106.8 + float64(i)*0.01},
			Path:         []int64{int64(i + 1), int64(i + 101)},
			RoadID:       SegmentID(i + 1),
		}
	}
	return tasks
}

func TestRunWindowResume(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	tasks := testTasks(5)
	for idx := 0; idx < 3; idx++ {
		require.NoError(t, store.Record(WINDOW_PEAK_AM, idx, testScrapedRoute(idx, 30)))
	}
	require.NoError(t, store.Flush(WINDOW_PEAK_AM))

	// Fresh store simulates restarted process
	store, err = NewCheckpointStore(store.dir)
	require.NoError(t, err)
	browser := &fakeBrowser{navigate: offerPayload}
	tracker := NewProgressTracker()
	engine := newTestEngine(t, browser, &recordingSleeper{}, WithProgressTracker(tracker))

	skippedBefore := testutil.ToFloat64(tasksProcessed.WithLabelValues(WINDOW_PEAK_AM.String(), "skipped"))
	report, err := engine.RunWindow(context.Background(), WINDOW_PEAK_AM, ForWindow(tasks, WINDOW_PEAK_AM), store, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(tasksProcessed.WithLabelValues(WINDOW_PEAK_AM.String(), "skipped"))-skippedBefore)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Pending)
	assert.Equal(t, []string{
		engine.DirectionsURL(tasks[3].Origin(), tasks[3].Destination(), time.Time{}),
		engine.DirectionsURL(tasks[4].Origin(), tasks[4].Destination(), time.Time{}),
	}, browser.navigations)

	record, err := store.Load(WINDOW_PEAK_AM)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, record.Completed)
	results, err := ReadResults(report.ResultsFile)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, WINDOW_PEAK_AM, results[4].TimeWindow)
	assert.Equal(t, METHOD_RESPONSE_CAPTURE, results[4].ScrapedData.Method)

	statuses := tracker.Snapshot()
	require.Len(t, statuses, 1)
	assert.Equal(t, 2, statuses[0].Completed)
	assert.False(t, statuses[0].Running)
}

func TestRunWindowFailedTasksAreRetriedOnResume(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir)
	require.NoError(t, err)
	tasks := testTasks(2)
	failing := &fakeBrowser{}
	engine := newTestEngine(t, failing, &recordingSleeper{}, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	report, err := engine.RunWindow(context.Background(), WINDOW_OFF_PEAK, tasks, store, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	record, err := store.Load(WINDOW_OFF_PEAK)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, record.Failed)
	assert.Empty(t, record.Completed)

	store, err = NewCheckpointStore(dir)
	require.NoError(t, err)
	working := &fakeBrowser{navigate: offerPayload}
	engine = newTestEngine(t, working, &recordingSleeper{})
	report, err = engine.RunWindow(context.Background(), WINDOW_OFF_PEAK, tasks, store, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	record, err = store.Load(WINDOW_OFF_PEAK)
	require.NoError(t, err)
	assert.Empty(t, record.Failed)
}

func TestRunWindowDeadline(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	base := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	mu := sync.Mutex{}
	ticks := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := base.Add(time.Duration(ticks) * 40 * time.Second)
		ticks++
		return now
	}
	browser := &fakeBrowser{navigate: offerPayload}
	engine := newTestEngine(t, browser, &recordingSleeper{}, WithDeadline(time.Minute), WithClock(clock))

	report, err := engine.RunWindow(context.Background(), WINDOW_PEAK_PM, testTasks(5), store, time.Time{})
	require.NoError(t, err)
	assert.True(t, report.DeadlineReached)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 4, report.Pending)

	// Progress is flushed although auto flush interval was not reached
	fresh, err := NewCheckpointStore(store.dir)
	require.NoError(t, err)
	record, err := fresh.Load(WINDOW_PEAK_PM)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, record.Completed)
}

func TestRunWindowCancelled(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	browser := &fakeBrowser{navigate: func(call int, slot *CaptureSlot) error {
		if call == 2 {
			cancel()
			return context.Canceled
		}
		return offerPayload(call, slot)
	}}
	tracker := NewProgressTracker()
	engine := newTestEngine(t, browser, &recordingSleeper{}, WithProgressTracker(tracker))

	report, err := engine.RunWindow(ctx, WINDOW_PEAK_AM, testTasks(4), store, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Completed)

	statuses := tracker.Snapshot()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running, "cancelled window must not stay running")
	assert.False(t, statuses[0].FinishedAt.IsZero())

	fresh, err := NewCheckpointStore(store.dir)
	require.NoError(t, err)
	record, err := fresh.Load(WINDOW_PEAK_AM)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, record.Completed)
	assert.Empty(t, record.Failed, "interrupted task must stay pending")
}

func TestRunWindowMultipleSessions(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	browsers := []*fakeBrowser{}
	mu := sync.Mutex{}
	engine := NewEngine(
		WithSessions(3),
		WithBrowserFactory(func() Browser {
			mu.Lock()
			defer mu.Unlock()
			browser := &fakeBrowser{navigate: offerPayload}
			browsers = append(browsers, browser)
			return browser
		}),
		WithIdentityPool(NewIdentityPool(nil, t.TempDir(), 1)),
		WithSleeper((&recordingSleeper{}).sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Close()

	report, err := engine.RunWindow(context.Background(), WINDOW_OFF_PEAK, testTasks(12), store, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 12, report.Completed)
	total := 0
	for _, browser := range browsers {
		total += len(browser.navigations)
	}
	assert.Equal(t, 12, total, "every task is processed exactly once")
	results, err := store.Results(WINDOW_OFF_PEAK)
	require.NoError(t, err)
	for i, result := range results {
		assert.Equal(t, i, result.Index)
	}
}
