package roadspeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessions            = 2
	MaxSessions                = 3
	DefaultMinDelay            = 2 * time.Second
	DefaultMaxDelay            = 10 * time.Second
	DefaultBlockCooldown       = 60 * time.Second
	DefaultMaxBlockRetries     = 3
	DefaultProxyRotateEvery    = 25
	DefaultIdentityRotateEvery = 100
	DefaultStepTimeout         = 45 * time.Second
	DefaultBaseURL             = "https://www.google.com/maps/dir"
)

// Tier 2 probe. Returns serialized page state containing "duration" or empty string
const pageStateProbe = `(() => {
	const pick = (getter) => {
		try {
			const v = getter();
			if (!v) { return ""; }
			const s = typeof v === 'string' ? v : JSON.stringify(v);
			return (s && s.indexOf('"duration"') >= 0) ? s : "";
		} catch (e) { return ""; }
	};
	const getters = [
		() => window.wiz_progress,
		() => window.APP_INITIALIZATION_STATE,
		() => window.wizInitData,
		() => (typeof google !== 'undefined' ? google.maps : null),
		() => (typeof _foot !== 'undefined' ? _foot : null),
	];
	for (const getter of getters) {
		const s = pick(getter);
		if (s) { return s; }
	}
	for (const script of Array.from(document.querySelectorAll('script'))) {
		const text = script.textContent || "";
		if (text.indexOf('"duration"') >= 0) { return text; }
	}
	return "";
})()`

// Returns challenge marker or empty string
const challengeProbe = `(() => {
	if (location.pathname.indexOf('/sorry/') === 0) { return "sorry"; }
	if (document.querySelector('form#captcha-form, #recaptcha, iframe[src*="recaptcha"]')) { return "captcha"; }
	const body = document.body ? (document.body.innerText || "") : "";
	if (body.indexOf('unusual traffic') >= 0) { return "unusual_traffic"; }
	return "";
})()`

var (
	durationSelectors = []string{
		`div[role="text"] span:first-child`,
		`.xlkXcd .mDr44d`,
		`div[class*="duration"] span`,
		`span[class*="duration"]`,
	}
	distanceSelectors = []string{
		`div[role="text"] span:nth-child(2)`,
		`.xlkXcd .ivN21e`,
		`div[class*="distance"] span`,
	}
)

// Sleeper pauses for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Engine acquires directions through pool of browser sessions
type Engine struct {
	sessions            int
	minDelay            time.Duration
	maxDelay            time.Duration
	proxyRotateEvery    int
	identityRotateEvery int
	blockCooldown       time.Duration
	maxBlockRetries     int
	retry               RetryPolicy
	stepTimeout         time.Duration
	browserFactory      BrowserFactory
	identities          *IdentityPool
	deadline            time.Duration
	sleep               Sleeper
	rndMu               sync.Mutex
	rnd                 *rand.Rand
	baseURL             string
	logger              *slog.Logger
	tracker             *ProgressTracker
	tracer              trace.Tracer
	now                 func() time.Time

	pool   chan *Session
	active []*Session
}

// NewEngine returns engine. Call Start before acquiring directions
func NewEngine(options ...func(*Engine)) *Engine {
	engine := &Engine{
		sessions:            DefaultSessions,
		minDelay:            DefaultMinDelay,
		maxDelay:            DefaultMaxDelay,
		proxyRotateEvery:    DefaultProxyRotateEvery,
		identityRotateEvery: DefaultIdentityRotateEvery,
		blockCooldown:       DefaultBlockCooldown,
		maxBlockRetries:     DefaultMaxBlockRetries,
		retry:               DefaultRetryPolicy(),
		stepTimeout:         DefaultStepTimeout,
		browserFactory:      ChromeBrowserFactory(),
		sleep:               contextSleep,
		rnd:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		baseURL:             DefaultBaseURL,
		logger:              slog.Default(),
		tracer:              otel.Tracer(TracerName),
	}
	for _, option := range options {
		option(engine)
	}
	if engine.sessions < 1 {
		engine.sessions = 1
	}
	if engine.sessions > MaxSessions {
		engine.sessions = MaxSessions
	}
	if engine.maxDelay < engine.minDelay {
		engine.maxDelay = engine.minDelay
	}
	// Cooldown after block must be longer than any regular delay
	if engine.blockCooldown <= engine.maxDelay {
		engine.blockCooldown = 2*engine.maxDelay + time.Second
	}
	if engine.identities == nil {
		engine.identities = NewIdentityPool(nil, "", time.Now().UnixNano())
	}
	return engine
}

// WithSessions sets number of concurrent browser sessions (1..3)
func WithSessions(n int) func(*Engine) {
	return func(engine *Engine) {
		engine.sessions = n
	}
}

// WithDelays sets bounds of random pause after every request
func WithDelays(minDelay, maxDelay time.Duration) func(*Engine) {
	return func(engine *Engine) {
		engine.minDelay = minDelay
		engine.maxDelay = maxDelay
	}
}

// WithRotation sets proxy and identity rotation intervals in requests. Zero disables rotation
func WithRotation(proxyEvery, identityEvery int) func(*Engine) {
	return func(engine *Engine) {
		engine.proxyRotateEvery = proxyEvery
		engine.identityRotateEvery = identityEvery
	}
}

// WithBlockCooldown sets pause after block signal and how many blocks single request tolerates
func WithBlockCooldown(cooldown time.Duration, maxBlockRetries int) func(*Engine) {
	return func(engine *Engine) {
		engine.blockCooldown = cooldown
		engine.maxBlockRetries = maxBlockRetries
	}
}

// WithRetryPolicy sets attempts per request
func WithRetryPolicy(policy RetryPolicy) func(*Engine) {
	return func(engine *Engine) {
		engine.retry = policy
	}
}

// WithStepTimeout sets timeout of every navigation / wait / extraction step
func WithStepTimeout(timeout time.Duration) func(*Engine) {
	return func(engine *Engine) {
		engine.stepTimeout = timeout
	}
}

// WithBrowserFactory sets browser implementation
func WithBrowserFactory(factory BrowserFactory) func(*Engine) {
	return func(engine *Engine) {
		engine.browserFactory = factory
	}
}

// WithIdentityPool sets source of identities and proxies
func WithIdentityPool(pool *IdentityPool) func(*Engine) {
	return func(engine *Engine) {
		engine.identities = pool
	}
}

// WithDeadline sets run duration budget of RunWindow. Zero means no budget
func WithDeadline(budget time.Duration) func(*Engine) {
	return func(engine *Engine) {
		engine.deadline = budget
	}
}

// WithTracerProvider sets source of request spans. Global provider is used by default
func WithTracerProvider(provider trace.TracerProvider) func(*Engine) {
	return func(engine *Engine) {
		engine.tracer = provider.Tracer(TracerName)
	}
}

// WithSleeper replaces real pauses
func WithSleeper(sleeper Sleeper) func(*Engine) {
	return func(engine *Engine) {
		engine.sleep = sleeper
	}
}

// WithRandSource sets source of randomized delays
func WithRandSource(src rand.Source) func(*Engine) {
	return func(engine *Engine) {
		engine.rnd = rand.New(src)
	}
}

// WithBaseURL sets directions page prefix
func WithBaseURL(baseURL string) func(*Engine) {
	return func(engine *Engine) {
		engine.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets structured logger
func WithLogger(logger *slog.Logger) func(*Engine) {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithProgressTracker publishes run progress to tracker
func WithProgressTracker(tracker *ProgressTracker) func(*Engine) {
	return func(engine *Engine) {
		engine.tracker = tracker
	}
}

// BlockCooldown returns effective cooldown after block signal
func (engine *Engine) BlockCooldown() time.Duration {
	return engine.blockCooldown
}

// Sessions returns configured number of sessions
func (engine *Engine) Sessions() int {
	return engine.sessions
}

// Start launches browser sessions. Fails only when none of them could be launched
func (engine *Engine) Start(ctx context.Context) error {
	engine.pool = make(chan *Session, engine.sessions)
	engine.active = []*Session{}
	for i := 0; i < engine.sessions; i++ {
		session := newSession(i+1, engine.browserFactory())
		identity, err := engine.identities.Next()
		if err != nil {
			engine.logger.Error("session_identity_failed", slog.Int("session", session.id), slog.Any("error", err))
			continue
		}
		err = session.start(ctx, identity)
		if err != nil {
			engine.identities.Release(identity)
			engine.logger.Error("session_start_failed", slog.Int("session", session.id), slog.Any("error", err))
			continue
		}
		engine.logger.Info("session_started", slog.Int("session", session.id), slog.String("locale", identity.Locale), slog.String("proxy", identity.Proxy))
		engine.active = append(engine.active, session)
		engine.pool <- session
	}
	if len(engine.active) == 0 {
		return ErrNoSessions
	}
	return nil
}

// Close tears down every session
func (engine *Engine) Close() error {
	var firstErr error
	for _, session := range engine.active {
		err := session.close()
		engine.identities.Release(session.identity)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	engine.active = nil
	return firstErr
}

// DirectionsURL returns directions page for pair of points and departure time
func (engine *Engine) DirectionsURL(origin, destination GeoPoint, departure time.Time) string {
	url := fmt.Sprintf("%s/%s/%s", engine.baseURL, formatLatLon(origin), formatLatLon(destination))
	if !departure.IsZero() {
		url += "?departure_time=" + strconv.FormatInt(departure.Unix(), 10)
	}
	return url
}

func formatLatLon(pt GeoPoint) string {
	return strconv.FormatFloat(pt.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(pt.Lon, 'f', -1, 64)
}

// AcquireDirections returns travel-time measurement between two points using any free session
func (engine *Engine) AcquireDirections(ctx context.Context, origin, destination GeoPoint, departure time.Time) (*ExtractionResult, error) {
	session, err := engine.acquireSession(ctx)
	if err != nil {
		return nil, err
	}
	defer engine.releaseSession(session)
	return engine.acquireWith(ctx, session, origin, destination, departure)
}

func (engine *Engine) acquireSession(ctx context.Context) (*Session, error) {
	if engine.pool == nil || len(engine.active) == 0 {
		return nil, ErrNoSessions
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case session := <-engine.pool:
		return session, nil
	}
}

func (engine *Engine) releaseSession(session *Session) {
	engine.pool <- session
}

func (engine *Engine) acquireWith(ctx context.Context, session *Session, origin, destination GeoPoint, departure time.Time) (*ExtractionResult, error) {
	ctx, span := engine.tracer.Start(ctx, "roadspeed.Engine.AcquireDirections",
		trace.WithAttributes(
			attribute.String("origin", formatLatLon(origin)),
			attribute.String("destination", formatLatLon(destination)),
			attribute.Int("session", session.id),
		),
	)
	defer span.End()

	if err := session.recover(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	url := engine.DirectionsURL(origin, destination, departure)
	retries := engine.retry.schedule()
	blocks := 0
	restarted := false
	for attempt := 1; ; {
		err := engine.rotateIfDue(ctx, session)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result, err := engine.attempt(ctx, session, url)
		switch {
		case err == nil:
			engine.finishRequest(ctx, session, engine.randomDelay())
			result.ExtractedAt = time.Now().UTC()
			directionsRequests.WithLabelValues("success").Inc()
			tierSuccesses.WithLabelValues(result.Method.String()).Inc()
			span.SetAttributes(attribute.String("method", result.Method.String()))
			return result, nil
		case errors.Is(err, ErrBrowserCrash):
			browserCrashes.Inc()
			engine.logger.Warn("session_crashed", slog.Int("session", session.id), slog.String("url", url))
			restartErr := engine.restart(ctx, session)
			if restartErr != nil {
				span.RecordError(restartErr)
				return nil, errors.Wrap(restartErr, "Can't restart crashed session")
			}
			if restarted {
				span.RecordError(err)
				return nil, err
			}
			// Crashed request is retried once without consuming attempts
			restarted = true
		case IsDetectionBlock(err):
			blocks++
			detectionBlocks.Inc()
			engine.logger.Warn("detection_block", slog.Int("session", session.id), slog.Int("blocks", blocks), slog.Any("error", err))
			if sleepErr := engine.finishRequest(ctx, session, engine.blockCooldown); sleepErr != nil {
				return nil, sleepErr
			}
			if blocks > engine.maxBlockRetries {
				directionsRequests.WithLabelValues("no_data").Inc()
				span.SetStatus(codes.Error, "blocked")
				return nil, errors.Wrapf(ErrNoDataExtracted, "blocked %d times: %v", blocks, err)
			}
			rotations.WithLabelValues("forced").Inc()
			err = engine.rotateIdentity(ctx, session)
			if err != nil {
				return nil, err
			}
		default:
			if ctx.Err() != nil {
				engine.finishRequest(ctx, session, 0)
				return nil, ctx.Err()
			}
			engine.logger.Debug("attempt_failed", slog.Int("session", session.id), slog.Int("attempt", attempt), slog.Any("error", err))
			if sleepErr := engine.finishRequest(ctx, session, engine.randomDelay()); sleepErr != nil {
				return nil, sleepErr
			}
			pause := retries.NextBackOff()
			if pause == backoff.Stop {
				directionsRequests.WithLabelValues("no_data").Inc()
				span.SetStatus(codes.Error, ErrNoDataExtracted.Error())
				return nil, ErrNoDataExtracted
			}
			if sleepErr := engine.sleep(ctx, pause); sleepErr != nil {
				return nil, sleepErr
			}
			attempt++
		}
	}
}

// attempt drives session through NAVIGATE -> WAIT_FOR_DATA -> EXTRACT. Session ends in SUCCESS, FAIL or CRASHED
func (engine *Engine) attempt(ctx context.Context, session *Session, url string) (*ExtractionResult, error) {
	if err := session.transition(SESSION_NAVIGATE); err != nil {
		return nil, err
	}
	// Fresh slot per navigation. Late responses of previous page land in the old closed one
	session.slot = NewCaptureSlot()
	defer session.slot.Close()

	stepCtx, cancel := engine.stepContext(ctx)
	err := session.browser.Navigate(stepCtx, url, session.slot)
	cancel()
	if err != nil {
		return nil, engine.fail(session, err)
	}
	if block, ok := session.slot.Blocked(); ok {
		return nil, engine.fail(session, &block)
	}

	if err := session.transition(SESSION_WAIT_FOR_DATA); err != nil {
		return nil, err
	}
	stepCtx, cancel = engine.stepContext(ctx)
	err = session.browser.WaitForData(stepCtx)
	cancel()
	if err != nil {
		if errors.Is(err, ErrBrowserCrash) || ctx.Err() != nil {
			return nil, engine.fail(session, err)
		}
		// Captured payloads may still be usable
		engine.logger.Debug("wait_for_data_failed", slog.Int("session", session.id), slog.Any("error", err))
	}

	if err := session.transition(SESSION_EXTRACT); err != nil {
		return nil, err
	}
	if block := engine.detectChallenge(ctx, session); block != nil {
		return nil, engine.fail(session, block)
	}
	result, err := engine.extract(ctx, session)
	if err != nil {
		return nil, engine.fail(session, err)
	}
	if err := session.transition(SESSION_SUCCESS); err != nil {
		return nil, err
	}
	return result, nil
}

// fail moves session to CRASHED or FAIL depending on error
func (engine *Engine) fail(session *Session, cause error) error {
	next := SESSION_FAIL
	if errors.Is(cause, ErrBrowserCrash) {
		next = SESSION_CRASHED
	}
	if err := session.transition(next); err != nil {
		return err
	}
	return cause
}

func (engine *Engine) detectChallenge(ctx context.Context, session *Session) *DetectionBlock {
	if block, ok := session.slot.Blocked(); ok {
		return &block
	}
	stepCtx, cancel := engine.stepContext(ctx)
	defer cancel()
	marker, err := session.browser.Evaluate(stepCtx, challengeProbe)
	if err != nil || marker == "" {
		return nil
	}
	return &DetectionBlock{Marker: marker}
}

// extract runs tiers in strict order. First success wins
func (engine *Engine) extract(ctx context.Context, session *Session) (*ExtractionResult, error) {
	// Tier 1: intercepted responses
	for _, payload := range session.slot.Take() {
		if result := parseDirectionsPayload(payload); result != nil {
			result.Method = METHOD_RESPONSE_CAPTURE
			return result, nil
		}
	}

	// Tier 2: in-page state
	stepCtx, cancel := engine.stepContext(ctx)
	state, err := session.browser.Evaluate(stepCtx, pageStateProbe)
	cancel()
	if errors.Is(err, ErrBrowserCrash) {
		return nil, err
	}
	if err == nil && state != "" {
		if result := parsePageState(state); result != nil {
			result.Method = METHOD_PAGE_STATE
			return result, nil
		}
	}

	// Tier 3: rendered text
	stepCtx, cancel = engine.stepContext(ctx)
	defer cancel()
	durationText, err := session.browser.TextBySelectors(stepCtx, durationSelectors)
	if errors.Is(err, ErrBrowserCrash) {
		return nil, err
	}
	if err != nil || durationText == "" {
		return nil, ErrExtractionFailure
	}
	distanceText, err := session.browser.TextBySelectors(stepCtx, distanceSelectors)
	if errors.Is(err, ErrBrowserCrash) {
		return nil, err
	}
	if err != nil {
		return nil, ErrExtractionFailure
	}
	if result := parseRenderedText(durationText, distanceText); result != nil {
		result.Method = METHOD_RENDERED_TEXT
		return result, nil
	}
	return nil, ErrExtractionFailure
}

// parsePageState tries state as a whole and then every embedded object starting with "routes" key
func parsePageState(state string) *ExtractionResult {
	if result := parseDirectionsPayload([]byte(state)); result != nil {
		return result
	}
	for offset := 0; ; {
		idx := strings.Index(state[offset:], `{"routes"`)
		if idx < 0 {
			return nil
		}
		start := offset + idx
		raw := json.RawMessage{}
		if json.NewDecoder(bytes.NewReader([]byte(state[start:]))).Decode(&raw) == nil {
			if result := parseDirectionsPayload(raw); result != nil {
				return result
			}
		}
		offset = start + 1
	}
}

func (engine *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if engine.stepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, engine.stepTimeout)
}

// finishRequest counts request and pauses: SUCCESS|FAIL -> DELAY -> READY
func (engine *Engine) finishRequest(ctx context.Context, session *Session, pause time.Duration) error {
	session.countRequest()
	if err := session.transition(SESSION_DELAY); err != nil {
		return err
	}
	sleepErr := engine.sleep(ctx, pause)
	if err := session.transition(SESSION_READY); err != nil {
		return err
	}
	return sleepErr
}

func (engine *Engine) randomDelay() time.Duration {
	spread := engine.maxDelay - engine.minDelay
	if spread <= 0 {
		return engine.minDelay
	}
	engine.rndMu.Lock()
	defer engine.rndMu.Unlock()
	return engine.minDelay + time.Duration(engine.rnd.Int63n(int64(spread)+1))
}

// rotateIfDue applies scheduled identity or proxy rotation. Identity rotation supersedes proxy rotation
func (engine *Engine) rotateIfDue(ctx context.Context, session *Session) error {
	if engine.identityRotateEvery > 0 && session.sinceIdentity >= engine.identityRotateEvery {
		rotations.WithLabelValues("identity").Inc()
		return engine.rotateIdentity(ctx, session)
	}
	if engine.proxyRotateEvery > 0 && session.sinceProxy >= engine.proxyRotateEvery {
		rotations.WithLabelValues("proxy").Inc()
		identity := engine.identities.RotateProxy(session.identity)
		err := session.relaunch(ctx, identity)
		if err != nil {
			return errors.Wrap(err, "Can't rotate proxy")
		}
		session.sinceProxy = 0
		engine.logger.Info("proxy_rotated", slog.Int("session", session.id), slog.String("proxy", identity.Proxy))
	}
	return nil
}

// rotateIdentity relaunches session with fresh identity and profile
func (engine *Engine) rotateIdentity(ctx context.Context, session *Session) error {
	identity, err := engine.identities.Next()
	if err != nil {
		return errors.Wrap(err, "Can't rotate identity")
	}
	old := session.identity
	err = session.relaunch(ctx, identity)
	if err != nil {
		engine.identities.Release(identity)
		return errors.Wrap(err, "Can't rotate identity")
	}
	engine.identities.Release(old)
	session.sinceIdentity = 0
	session.sinceProxy = 0
	engine.logger.Info("identity_rotated", slog.Int("session", session.id), slog.String("locale", identity.Locale))
	return nil
}

// restart relaunches crashed session with its identity: CRASHED -> RESTART -> READY
func (engine *Engine) restart(ctx context.Context, session *Session) error {
	return session.relaunch(ctx, session.identity)
}
