package roadspeed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// DefaultFlushEvery is number of recorded results between automatic flushes
const DefaultFlushEvery = 50

// CheckpointRecord is persisted progress of single time window
type CheckpointRecord struct {
	Completed []int          `json:"completed"`
	Results   []ScrapedRoute `json:"results"`
	Failed    []int          `json:"failed"`
}

type windowProgress struct {
	loaded    bool
	completed map[int]struct{}
	failed    map[int]struct{}
	results   []ScrapedRoute
	dirty     int
}

// CheckpointStore keeps per-window progress on disk. Safe for concurrent use
type CheckpointStore struct {
	mu         sync.Mutex
	dir        string
	flushEvery int
	windows    map[TimeWindow]*windowProgress
}

// NewCheckpointStore returns store writing to dir
func NewCheckpointStore(dir string, options ...func(*CheckpointStore)) (*CheckpointStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't create checkpoint directory '%s'", dir)
	}
	store := &CheckpointStore{
		dir:        dir,
		flushEvery: DefaultFlushEvery,
		windows:    make(map[TimeWindow]*windowProgress),
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

// WithFlushEvery sets automatic flush interval
func WithFlushEvery(n int) func(*CheckpointStore) {
	return func(store *CheckpointStore) {
		if n > 0 {
			store.flushEvery = n
		}
	}
}

// ProgressPath returns checkpoint file of window
func (store *CheckpointStore) ProgressPath(window TimeWindow) string {
	return filepath.Join(store.dir, fmt.Sprintf("%s_progress.json", window))
}

// ResultsPath returns final results file of window
func (store *CheckpointStore) ResultsPath(window TimeWindow) string {
	return filepath.Join(store.dir, fmt.Sprintf("%s_results.json", window))
}

// Load reads persisted progress. Missing file gives empty record
func (store *CheckpointStore) Load(window TimeWindow) (CheckpointRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, err := store.loadLocked(window)
	if err != nil {
		return CheckpointRecord{}, err
	}
	return progress.record(), nil
}

func (store *CheckpointStore) loadLocked(window TimeWindow) (*windowProgress, error) {
	if progress, ok := store.windows[window]; ok && progress.loaded {
		return progress, nil
	}
	progress := &windowProgress{
		loaded:    true,
		completed: make(map[int]struct{}),
		failed:    make(map[int]struct{}),
		results:   []ScrapedRoute{},
	}
	data, err := os.ReadFile(store.ProgressPath(window))
	if err != nil {
		if os.IsNotExist(err) {
			store.windows[window] = progress
			return progress, nil
		}
		return nil, errors.Wrapf(ErrCheckpointCorruption, "can't read '%s': %v", store.ProgressPath(window), err)
	}
	record := CheckpointRecord{}
	err = json.Unmarshal(data, &record)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointCorruption, "can't decode '%s': %v", store.ProgressPath(window), err)
	}
	if record.Completed == nil || record.Results == nil {
		return nil, errors.Wrapf(ErrCheckpointCorruption, "'%s' misses completed or results", store.ProgressPath(window))
	}
	for _, idx := range record.Completed {
		progress.completed[idx] = struct{}{}
	}
	for _, idx := range record.Failed {
		progress.failed[idx] = struct{}{}
	}
	progress.results = record.Results
	store.windows[window] = progress
	return progress, nil
}

// IsCompleted reports whether task index was already recorded
func (store *CheckpointStore) IsCompleted(window TimeWindow, index int) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, ok := store.windows[window]
	if !ok {
		return false
	}
	_, done := progress.completed[index]
	return done
}

// Record adds successful result. Flushes automatically every N records
func (store *CheckpointStore) Record(window TimeWindow, index int, route ScrapedRoute) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, err := store.loadLocked(window)
	if err != nil {
		return err
	}
	if _, done := progress.completed[index]; done {
		return nil
	}
	route.Index = index
	progress.completed[index] = struct{}{}
	delete(progress.failed, index)
	progress.results = append(progress.results, route)
	progress.dirty++
	if progress.dirty >= store.flushEvery {
		return store.flushLocked(window, progress)
	}
	return nil
}

// MarkFailed remembers task index which exhausted retries. Such tasks are retried on resume
func (store *CheckpointStore) MarkFailed(window TimeWindow, index int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, err := store.loadLocked(window)
	if err != nil {
		return err
	}
	if _, done := progress.completed[index]; done {
		return nil
	}
	progress.failed[index] = struct{}{}
	progress.dirty++
	return nil
}

// Flush writes progress of window atomically
func (store *CheckpointStore) Flush(window TimeWindow) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, err := store.loadLocked(window)
	if err != nil {
		return err
	}
	return store.flushLocked(window, progress)
}

func (store *CheckpointStore) flushLocked(window TimeWindow, progress *windowProgress) error {
	data, err := json.MarshalIndent(progress.record(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "Can't encode checkpoint")
	}
	err = renameio.WriteFile(store.ProgressPath(window), data, 0644)
	if err != nil {
		return errors.Wrapf(err, "Can't write checkpoint '%s'", store.ProgressPath(window))
	}
	progress.dirty = 0
	return nil
}

// Results returns recorded results of window ordered by task index
func (store *CheckpointStore) Results(window TimeWindow) ([]ScrapedRoute, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	progress, err := store.loadLocked(window)
	if err != nil {
		return nil, err
	}
	return progress.sortedResults(), nil
}

// SavedResults returns recorded results of every window, including windows which were not collected by this process.
// Windows without results are absent
func (store *CheckpointStore) SavedResults() (map[TimeWindow][]ScrapedRoute, error) {
	saved := make(map[TimeWindow][]ScrapedRoute)
	for _, window := range AllTimeWindows() {
		results, err := store.Results(window)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't load %s", window)
		}
		if len(results) > 0 {
			saved[window] = results
		}
	}
	return saved, nil
}

// WriteResults writes JSON array of all recorded results of window
func (store *CheckpointStore) WriteResults(window TimeWindow) (string, error) {
	results, err := store.Results(window)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "Can't encode results")
	}
	fname := store.ResultsPath(window)
	err = renameio.WriteFile(fname, data, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "Can't write results '%s'", fname)
	}
	return fname, nil
}

// ReadResults reads final results file of window
func ReadResults(fname string) ([]ScrapedRoute, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read results '%s'", fname)
	}
	results := []ScrapedRoute{}
	err = json.Unmarshal(data, &results)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't decode results '%s'", fname)
	}
	return results, nil
}

func (progress *windowProgress) record() CheckpointRecord {
	return CheckpointRecord{
		Completed: sortedIndices(progress.completed),
		Results:   progress.sortedResults(),
		Failed:    sortedIndices(progress.failed),
	}
}

func (progress *windowProgress) sortedResults() []ScrapedRoute {
	results := make([]ScrapedRoute, len(progress.results))
	copy(results, progress.results)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
	return results
}

func sortedIndices(set map[int]struct{}) []int {
	indices := make([]int, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}
