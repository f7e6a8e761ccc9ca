package roadspeed

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoDataExtracted is returned when every tier failed for every allowed attempt
	ErrNoDataExtracted = errors.New("No data extracted")
	// ErrExtractionFailure is returned when all three extraction tiers failed for single attempt
	ErrExtractionFailure = errors.New("All extraction tiers failed")
	// ErrBrowserCrash is returned when browser process or page target died
	ErrBrowserCrash = errors.New("Browser crashed")
	// ErrCheckpointCorruption is returned when persisted checkpoint can't be read or is invalid
	ErrCheckpointCorruption = errors.New("Checkpoint is corrupted")
	// ErrNoSessions is returned when no browser session could be started
	ErrNoSessions = errors.New("No browser session could be started")
)

// NavigationError wraps timeouts and connection failures of page navigation
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("Navigation to '%s' failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// DetectionBlock is signaled by HTTP 403/429 responses or challenge page of mapped service
type DetectionBlock struct {
	StatusCode int
	Marker     string
}

func (e *DetectionBlock) Error() string {
	if e.Marker != "" {
		return fmt.Sprintf("Blocked by mapped service (challenge: %s)", e.Marker)
	}
	return fmt.Sprintf("Blocked by mapped service (HTTP %d)", e.StatusCode)
}

// IsDetectionBlock reports whether err carries block signal
func IsDetectionBlock(err error) bool {
	var block *DetectionBlock
	return errors.As(err, &block)
}
