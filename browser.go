package roadspeed

import (
	"context"
	"strings"
	"sync"
)

// Browser is headless browser controlled by single session
type Browser interface {
	// Launch starts browser process with given identity
	Launch(ctx context.Context, identity Identity) error
	// Close stops browser process. Safe to call on not launched browser
	Close() error
	// Navigate opens url. Directions payloads and block signals observed during navigation go to slot
	Navigate(ctx context.Context, url string, slot *CaptureSlot) error
	// WaitForData blocks until page is rendered or ctx is done
	WaitForData(ctx context.Context) error
	// Evaluate runs script in page and returns its string result
	Evaluate(ctx context.Context, script string) (string, error)
	// TextBySelectors returns visible text of the first matching selector
	TextBySelectors(ctx context.Context, selectors []string) (string, error)
}

// BrowserFactory creates not launched browser
type BrowserFactory func() Browser

// Directions endpoints whose responses are worth capturing
var captureEndpoints = []string{
	"/maps/api/directions/json",
	"/maps/dir/",
	"/maps/rbt",
	"/maps/vt",
}

// isCaptureCandidate reports whether response may carry directions payload
func isCaptureCandidate(url string, status int64, contentType string) bool {
	if status != 200 {
		return false
	}
	if !strings.Contains(strings.ToLower(contentType), "json") {
		return false
	}
	for _, endpoint := range captureEndpoints {
		if strings.Contains(url, endpoint) {
			return true
		}
	}
	return false
}

// isBlockStatus reports HTTP statuses that mean rate limiting or bot detection
func isBlockStatus(status int64) bool {
	return status == 403 || status == 429
}

// CaptureSlot holds payloads intercepted during single navigation. Read once with Take, which closes it:
// anything offered after that belongs to stale page and is dropped
type CaptureSlot struct {
	mu       sync.Mutex
	payloads [][]byte
	block    *DetectionBlock
	closed   bool
}

// NewCaptureSlot returns empty slot
func NewCaptureSlot() *CaptureSlot {
	return &CaptureSlot{}
}

// Close makes slot ignore further offers and block signals
func (slot *CaptureSlot) Close() {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.closed = true
}

// Closed reports whether slot stopped accepting data
func (slot *CaptureSlot) Closed() bool {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.closed
}

// Offer stores payload body
func (slot *CaptureSlot) Offer(body []byte) {
	if len(body) == 0 {
		return
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.closed {
		return
	}
	slot.payloads = append(slot.payloads, cp)
}

// MarkBlocked stores block signal. First signal wins
func (slot *CaptureSlot) MarkBlocked(block DetectionBlock) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.block == nil && !slot.closed {
		slot.block = &block
	}
}

// Blocked returns block signal if any
func (slot *CaptureSlot) Blocked() (DetectionBlock, bool) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.block == nil {
		return DetectionBlock{}, false
	}
	return *slot.block, true
}

// Take returns captured payloads in arrival order, empties and closes slot
func (slot *CaptureSlot) Take() [][]byte {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	payloads := slot.payloads
	slot.payloads = nil
	slot.closed = true
	return payloads
}
