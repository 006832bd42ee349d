package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/directory"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/snapshot"
	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/tracker"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

type State string

const (
	StateIdle    State = "idle"
	StatePriming State = "priming"
	StateCycling State = "cycling"
)

var ErrAllCategoriesFailed = errors.New("every category fetch failed")

// Collector is the part of the directory collector the supervisor drives
type Collector interface {
	Collect(ctx context.Context, categories []string, maxOffset int) ([]types.ServerRecord, []directory.CategoryResult)
}

type Publisher interface {
	Publish(ctx context.Context, event *types.ScanEvent) int
}

type Options struct {
	Categories     []string
	MaxOffset      int
	Interval       time.Duration
	ErrorBackoff   time.Duration
	CredentialWait time.Duration

	// SkipOnTotalFailure aborts a cycle when every category fetch failed
	// instead of reconciling the empty snapshot
	SkipOnTotalFailure bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Categories:     append([]string(nil), cfg.Directory.Maps...),
		MaxOffset:      cfg.Directory.MaxOffset,
		Interval:       cfg.Scanner.Interval(),
		ErrorBackoff:   cfg.Scanner.ErrorBackoff(),
		CredentialWait: cfg.Scanner.CredentialWait(),

		SkipOnTotalFailure: cfg.Scanner.SkipOnTotalFailure,
	}
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State           State     `json:"state"`
	Cycles          uint64    `json:"cycles"`
	Failures        uint64    `json:"failures"`
	LastCycle       time.Time `json:"last_cycle,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CredentialReady bool      `json:"credential_ready"`
	Categories      []string  `json:"categories"`
}

// Supervisor drives the scan loop: collect, reconcile, persist, publish,
// sleep. Cycle failures are logged and followed by a longer pause.
type Supervisor struct {
	opts      Options
	collector Collector
	tracker   *tracker.Tracker
	publisher Publisher
	snapshots *snapshot.Manager
	storage   storage.Storage
	gate      *CredentialGate
	metrics   *metrics.Collector

	// serialises loop cycles with RunOnce
	cycleMu sync.Mutex

	mu         sync.Mutex
	state      State
	running    bool
	stopping   bool
	stopCh     chan struct{}
	done       chan struct{}
	primed     bool
	categories []string
	cycles     uint64
	failures   uint64
	lastCycle  time.Time
	lastError  string
}

func NewSupervisor(
	opts Options,
	collector Collector,
	tr *tracker.Tracker,
	publisher Publisher,
	snapshots *snapshot.Manager,
	store storage.Storage,
	gate *CredentialGate,
	metricsCollector *metrics.Collector,
) *Supervisor {
	if gate == nil {
		gate = NewCredentialGate()
	}
	return &Supervisor{
		opts:       opts,
		collector:  collector,
		tracker:    tr,
		publisher:  publisher,
		snapshots:  snapshots,
		storage:    store,
		gate:       gate,
		metrics:    metricsCollector,
		state:      StateIdle,
		categories: append([]string(nil), opts.Categories...),
	}
}

// Restore loads persisted change accounting into the tracker
func (s *Supervisor) Restore() error {
	if s.storage == nil {
		return nil
	}

	var doc tracker.StatsDocument
	found, err := storage.LoadJSON(s.storage, storage.KeyMapChanges, &doc)
	if err != nil {
		return fmt.Errorf("load map changes: %w", err)
	}
	if found {
		s.tracker.ImportStats(doc)
	}
	return nil
}

// Start launches the loop. It returns false when the loop is already running.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}

	s.running = true
	s.stopping = false
	s.primed = false
	s.state = StatePriming
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stopCh, s.done)
	log.Info("Scan loop started")
	return true
}

// Stop asks the loop to exit at the next cycle boundary. It does not wait.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.stopping {
		return false
	}
	s.stopping = true
	close(s.stopCh)
	log.Info("Scan loop stop requested")
	return true
}

// Wait blocks until the loop has exited or ctx is done
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:           s.state,
		Cycles:          s.cycles,
		Failures:        s.failures,
		LastCycle:       s.lastCycle,
		LastError:       s.lastError,
		CredentialReady: s.gate.IsOpen(),
		Categories:      append([]string(nil), s.categories...),
	}
}

func (s *Supervisor) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.categories...)
}

// SetCategories replaces the categories scanned from the next cycle on
func (s *Supervisor) SetCategories(categories []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append([]string(nil), categories...)
	log.Infof("Scanning %d categories", len(categories))
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) run(ctx context.Context, stopCh, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.stopping = false
		s.state = StateIdle
		s.mu.Unlock()
		close(done)
		log.Info("Scan loop stopped")
	}()

	if !s.gate.IsOpen() {
		log.Infof("Waiting up to %v for a directory credential", s.opts.CredentialWait)
		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		if s.gate.Wait(waitCtx, s.opts.CredentialWait) {
			log.Info("Directory credential received, starting scans")
		} else {
			log.Warn("No directory credential received, starting scans without one")
		}
		cancel()
	}

	for {
		if s.stopRequested() || ctx.Err() != nil {
			return
		}

		pause := s.opts.Interval
		if err := s.loopCycle(ctx); err != nil {
			log.Errorf("Scan cycle failed: %v", err)
			pause = s.opts.ErrorBackoff
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) loopCycle(ctx context.Context) error {
	s.mu.Lock()
	primed := s.primed
	s.mu.Unlock()

	if !primed {
		return s.guard(ctx, s.prime)
	}
	return s.guard(ctx, func(ctx context.Context) error {
		_, err := s.reconcile(ctx)
		return err
	})
}

// RunOnce performs one full reconciliation cycle outside the loop
func (s *Supervisor) RunOnce(ctx context.Context) (*types.ScanEvent, error) {
	var event *types.ScanEvent
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		event, err = s.reconcile(ctx)
		return err
	})
	return event, err
}

// guard runs one cycle under cycleMu and turns a panic into an error
func (s *Supervisor) guard(ctx context.Context, cycle func(context.Context) error) (err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Scan cycle panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("cycle panic: %v", r)
		}

		result := "ok"
		s.mu.Lock()
		s.cycles++
		s.lastCycle = time.Now()
		if err != nil {
			result = "error"
			s.failures++
			s.lastError = err.Error()
		} else {
			s.lastError = ""
		}
		s.mu.Unlock()

		s.metrics.RecordCycle(result, time.Since(start).Seconds())
	}()

	return cycle(ctx)
}

func (s *Supervisor) collect(ctx context.Context) ([]types.ServerRecord, error) {
	categories := s.Categories()
	records, results := s.collector.Collect(ctx, categories, s.opts.MaxOffset)

	if len(results) > 0 {
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if failed == len(results) {
			if s.opts.SkipOnTotalFailure {
				return nil, fmt.Errorf("%w (%d categories)", ErrAllCategoriesFailed, failed)
			}
			log.Warnf("All %d category fetches failed, reconciling an empty snapshot", failed)
		}
	}
	return records, nil
}

func (s *Supervisor) prime(ctx context.Context) error {
	log.Info("Priming cycle: collecting initial snapshot")

	records, err := s.collect(ctx)
	if err != nil {
		return err
	}
	summary := s.tracker.Prime(records)

	s.mu.Lock()
	s.primed = true
	if s.running {
		s.state = StateCycling
	}
	s.mu.Unlock()

	s.snapshots.Update(s.tracker.CurrentEvent())
	log.Infof("Priming complete: %d servers tracked", summary.TotalTracked)
	return nil
}

func (s *Supervisor) reconcile(ctx context.Context) (*types.ScanEvent, error) {
	start := time.Now()

	records, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}

	result := s.tracker.Reconcile(records)

	s.mu.Lock()
	s.primed = true
	if s.running {
		s.state = StateCycling
	}
	s.mu.Unlock()

	if len(result.Changes) > 0 {
		s.persistStats()
	}

	s.snapshots.Update(result.Event)
	if s.publisher != nil {
		s.publisher.Publish(ctx, result.Event)
	}

	log.WithFields(log.Fields{
		"current":     result.Summary.TotalCurrent,
		"tracked":     result.Summary.TotalTracked,
		"disappeared": result.Summary.DisappearedCount,
		"returned":    result.Summary.ReturnedCount,
		"map_changes": len(result.Changes),
		"auto_saved":  len(result.Promotions),
	}).Infof("Scan cycle complete in %v", time.Since(start))

	return result.Event, nil
}

func (s *Supervisor) persistStats() {
	if s.storage == nil {
		return
	}
	doc := s.tracker.ExportStats()
	if err := storage.SaveJSON(s.storage, storage.KeyMapChanges, doc); err != nil {
		log.Errorf("Failed to persist map change data: %v", err)
		s.metrics.RecordPersistError(storage.KeyMapChanges)
		return
	}
	log.Debugf("Persisted map change data for %d servers", len(doc.Changes))
}
