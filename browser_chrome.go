package roadspeed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// Masks most obvious automation markers before any page script runs
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
`

// Resolves when directions panel is rendered or challenge page is shown
const renderedProbe = `(() => {
	if (location.pathname.indexOf('/sorry/') === 0) { return true; }
	if (document.querySelector('form#captcha-form, #recaptcha')) { return true; }
	return document.querySelector('div[role="text"], div[class*="directions"], div[class*="route"], .mDr44d, .ivN21e') !== null;
})()`

type capturedResponse struct {
	url    string
	status int64
}

// ChromeBrowser is Browser implementation driving local Chrome via DevTools protocol
type ChromeBrowser struct {
	headless     bool
	execPath     string
	pollInterval time.Duration

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	slot        *CaptureSlot
	pending     map[network.RequestID]capturedResponse
	crashed     atomic.Bool
}

// NewChromeBrowser returns not launched browser
func NewChromeBrowser(options ...func(*ChromeBrowser)) *ChromeBrowser {
	browser := &ChromeBrowser{
		headless:     true,
		pollInterval: 500 * time.Millisecond,
	}
	for _, option := range options {
		option(browser)
	}
	return browser
}

// WithHeadless toggles headless mode
func WithHeadless(headless bool) func(*ChromeBrowser) {
	return func(browser *ChromeBrowser) {
		browser.headless = headless
	}
}

// WithExecPath sets path to Chrome binary
func WithExecPath(path string) func(*ChromeBrowser) {
	return func(browser *ChromeBrowser) {
		browser.execPath = path
	}
}

// ChromeBrowserFactory returns factory producing Chrome browsers with given options
func ChromeBrowserFactory(options ...func(*ChromeBrowser)) BrowserFactory {
	return func() Browser {
		return NewChromeBrowser(options...)
	}
}

// Launch starts Chrome process with isolated profile of identity
func (browser *ChromeBrowser) Launch(ctx context.Context, identity Identity) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", browser.headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(1920, 1080),
	)
	if identity.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(identity.UserAgent))
	}
	if identity.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(identity.ProfileDir))
	}
	if identity.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(identity.Proxy))
	}
	if browser.execPath != "" {
		opts = append(opts, chromedp.ExecPath(browser.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	browser.mu.Lock()
	browser.allocCancel = allocCancel
	browser.tabCtx = tabCtx
	browser.tabCancel = tabCancel
	browser.pending = make(map[network.RequestID]capturedResponse)
	browser.mu.Unlock()
	browser.crashed.Store(false)

	chromedp.ListenTarget(tabCtx, browser.onEvent)

	// First Run owns the tab, so it gets tab context itself and caller ctx only aborts it
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": identity.AcceptLanguage}),
		emulation.SetLocaleOverride().WithLocale(identity.Locale),
		emulation.SetTimezoneOverride(identity.Timezone),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	)
	if err != nil {
		browser.Close()
		return errors.Wrap(err, "Can't start Chrome")
	}
	return nil
}

// Close stops Chrome process
func (browser *ChromeBrowser) Close() error {
	browser.mu.Lock()
	tabCtx, tabCancel, allocCancel := browser.tabCtx, browser.tabCancel, browser.allocCancel
	browser.tabCtx, browser.tabCancel, browser.allocCancel = nil, nil, nil
	browser.slot = nil
	browser.mu.Unlock()
	if tabCtx == nil {
		return nil
	}
	err := chromedp.Cancel(tabCtx)
	tabCancel()
	allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "Can't close Chrome")
	}
	return nil
}

// Navigate opens url and routes intercepted responses to slot
func (browser *ChromeBrowser) Navigate(ctx context.Context, url string, slot *CaptureSlot) error {
	browser.mu.Lock()
	if browser.slot != nil {
		browser.slot.Close()
	}
	browser.slot = slot
	browser.pending = make(map[network.RequestID]capturedResponse)
	browser.mu.Unlock()
	runCtx, cancel, err := browser.linked(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	err = chromedp.Run(runCtx, chromedp.Navigate(url))
	if browser.crashed.Load() {
		return ErrBrowserCrash
	}
	if err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	return nil
}

// WaitForData polls page until directions or challenge are rendered
func (browser *ChromeBrowser) WaitForData(ctx context.Context) error {
	runCtx, cancel, err := browser.linked(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	ready := false
	err = chromedp.Run(runCtx, chromedp.Poll(renderedProbe, &ready, chromedp.WithPollingInterval(browser.pollInterval)))
	if browser.crashed.Load() {
		return ErrBrowserCrash
	}
	if err != nil {
		return errors.Wrap(err, "Directions were not rendered")
	}
	return nil
}

// Evaluate runs script which must return string
func (browser *ChromeBrowser) Evaluate(ctx context.Context, script string) (string, error) {
	runCtx, cancel, err := browser.linked(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	res := ""
	err = chromedp.Run(runCtx, chromedp.Evaluate(script, &res))
	if browser.crashed.Load() {
		return "", ErrBrowserCrash
	}
	if err != nil {
		return "", errors.Wrap(err, "Can't evaluate script")
	}
	return res, nil
}

// TextBySelectors returns inner text of the first selector matching non-empty element
func (browser *ChromeBrowser) TextBySelectors(ctx context.Context, selectors []string) (string, error) {
	for _, selector := range selectors {
		quoted, err := json.Marshal(selector)
		if err != nil {
			return "", errors.Wrapf(err, "Can't quote selector '%s'", selector)
		}
		script := `(() => { const el = document.querySelector(` + string(quoted) + `); return el ? (el.innerText || el.textContent || "") : ""; })()`
		text, err := browser.Evaluate(ctx, script)
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// linked returns child of tab context cancelled together with ctx
func (browser *ChromeBrowser) linked(ctx context.Context) (context.Context, context.CancelFunc, error) {
	browser.mu.Lock()
	tabCtx := browser.tabCtx
	browser.mu.Unlock()
	if tabCtx == nil {
		return nil, nil, errors.New("Browser is not launched")
	}
	if browser.crashed.Load() {
		return nil, nil, ErrBrowserCrash
	}
	runCtx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}, nil
}

func (browser *ChromeBrowser) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		browser.onResponse(e)
	case *network.EventLoadingFinished:
		browser.onLoadingFinished(e)
	case *inspector.EventTargetCrashed:
		browser.crashed.Store(true)
	}
}

func (browser *ChromeBrowser) onResponse(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	browser.mu.Lock()
	defer browser.mu.Unlock()
	if browser.slot == nil {
		return
	}
	resp := e.Response
	if isBlockStatus(resp.Status) && (e.Type == network.ResourceTypeDocument || isCaptureCandidate(resp.URL, 200, "json")) {
		browser.slot.MarkBlocked(DetectionBlock{StatusCode: int(resp.Status)})
		return
	}
	if isCaptureCandidate(resp.URL, resp.Status, resp.MimeType) {
		browser.pending[e.RequestID] = capturedResponse{url: resp.URL, status: resp.Status}
	}
}

func (browser *ChromeBrowser) onLoadingFinished(e *network.EventLoadingFinished) {
	browser.mu.Lock()
	_, ok := browser.pending[e.RequestID]
	delete(browser.pending, e.RequestID)
	slot, tabCtx := browser.slot, browser.tabCtx
	browser.mu.Unlock()
	if !ok || slot == nil || slot.Closed() || tabCtx == nil {
		return
	}
	// Event handlers must not block, body is fetched asynchronously
	go func() {
		c := chromedp.FromContext(tabCtx)
		if c == nil || c.Target == nil {
			return
		}
		body, err := network.GetResponseBody(e.RequestID).Do(cdp.WithExecutor(tabCtx, c.Target))
		if err != nil {
			return
		}
		slot.Offer(body)
	}()
}
