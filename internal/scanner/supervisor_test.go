package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/directory"
	"github.com/cs2-scanner/internal/notify"
	"github.com/cs2-scanner/internal/saved"
	"github.com/cs2-scanner/internal/snapshot"
	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/tracker"
	"github.com/cs2-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCollector returns one snapshot per call and repeats the last one
type scriptedCollector struct {
	mu        sync.Mutex
	snapshots [][]types.ServerRecord
	calls     int
	panicOn   int
}

func (c *scriptedCollector) Collect(ctx context.Context, categories []string, maxOffset int) ([]types.ServerRecord, []directory.CategoryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.panicOn == c.calls {
		panic("collector exploded")
	}
	i := c.calls - 1
	if i >= len(c.snapshots) {
		i = len(c.snapshots) - 1
	}
	if i < 0 {
		return nil, nil
	}
	return append([]types.ServerRecord(nil), c.snapshots[i]...), nil
}

type harness struct {
	supervisor *Supervisor
	tracker    *tracker.Tracker
	hub        *notify.Hub
	events     *notify.ChanSubscriber
	storage    *storage.MemoryStorage
	gate       *CredentialGate
}

func newHarness(t *testing.T, collector Collector, opts Options) *harness {
	t.Helper()

	mem := storage.NewMemoryStorage()
	store := saved.NewStore(mem, nil)
	tr := tracker.New(tracker.Options{ProbeCategory: "graphics_settings", AutoSaveThreshold: 1}, store, nil)
	hub := notify.NewHub(10, nil)
	events := notify.NewChanSubscriber("test", 100)
	require.NoError(t, hub.Subscribe(events))
	gate := NewCredentialGate()

	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	if opts.ErrorBackoff == 0 {
		opts.ErrorBackoff = time.Millisecond
	}
	if opts.CredentialWait == 0 {
		opts.CredentialWait = 10 * time.Millisecond
	}
	if len(opts.Categories) == 0 {
		opts.Categories = []string{"de_dust2"}
	}

	s := NewSupervisor(opts, collector, tr, hub, snapshot.NewManager(nil, 0), mem, gate, nil)
	return &harness{supervisor: s, tracker: tr, hub: hub, events: events, storage: mem, gate: gate}
}

func nextEvent(t *testing.T, h *harness) *types.ScanEvent {
	t.Helper()
	select {
	case event := <-h.events.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scan event")
		return nil
	}
}

func server(id, mapName string) types.ServerRecord {
	return types.ServerRecord{SteamID: id, Addr: "10.1.1." + id + ":27015", Name: "srv " + id, Map: mapName, Category: mapName}
}

func stopAndWait(t *testing.T, s *Supervisor) {
	t.Helper()
	s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestCredentialGate(t *testing.T) {
	g := NewCredentialGate()
	assert.False(t, g.IsOpen())
	assert.False(t, g.Wait(context.Background(), 5*time.Millisecond))

	g.Open()
	g.Open()
	assert.True(t, g.IsOpen())
	assert.True(t, g.Wait(context.Background(), time.Hour))
}

func TestCredentialGate_ReleasesWaiter(t *testing.T) {
	g := NewCredentialGate()
	result := make(chan bool, 1)
	go func() {
		result <- g.Wait(context.Background(), 5*time.Second)
	}()

	g.Open()
	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestSupervisor_PrimesThenReconciles(t *testing.T) {
	x := server("1", "de_dust2")
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{x}, {}, {x}}}
	h := newHarness(t, collector, Options{})
	h.gate.Open()

	require.True(t, h.supervisor.Start(context.Background()))
	defer stopAndWait(t, h.supervisor)

	// the priming cycle publishes nothing; the first event is cycle 2
	first := nextEvent(t, h)
	assert.Equal(t, 1, first.Stats.DisappearedCount)
	require.Len(t, first.DisappearedServers, 1)
	assert.Equal(t, "1", first.DisappearedServers[0].SteamID)

	second := nextEvent(t, h)
	assert.Equal(t, 1, second.Stats.ReturnedCount)
	assert.Empty(t, second.DisappearedServers)

	assert.Equal(t, StateCycling, h.supervisor.State())
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{server("1", "de_dust2")}}}
	h := newHarness(t, collector, Options{})
	h.gate.Open()

	assert.True(t, h.supervisor.Start(context.Background()))
	assert.False(t, h.supervisor.Start(context.Background()))
	stopAndWait(t, h.supervisor)

	assert.Equal(t, StateIdle, h.supervisor.State())
	assert.False(t, h.supervisor.Running())
	assert.False(t, h.supervisor.Stop())
}

func TestSupervisor_ProceedsWithoutCredential(t *testing.T) {
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{}}}
	h := newHarness(t, collector, Options{CredentialWait: 5 * time.Millisecond})

	require.True(t, h.supervisor.Start(context.Background()))
	defer stopAndWait(t, h.supervisor)

	event := nextEvent(t, h)
	assert.Equal(t, 0, event.Stats.TotalCurrent)
	assert.False(t, h.supervisor.Status().CredentialReady)
}

func TestSupervisor_StopDuringCredentialWait(t *testing.T) {
	collector := &scriptedCollector{}
	h := newHarness(t, collector, Options{CredentialWait: time.Hour})

	require.True(t, h.supervisor.Start(context.Background()))
	stopAndWait(t, h.supervisor)

	assert.Equal(t, 0, collector.calls)
}

func TestSupervisor_ContextCancelStopsLoop(t *testing.T) {
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{}}}
	h := newHarness(t, collector, Options{})
	h.gate.Open()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, h.supervisor.Start(ctx))
	nextEvent(t, h)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.supervisor.Wait(waitCtx))
	assert.Equal(t, StateIdle, h.supervisor.State())
}

func TestSupervisor_RecoversFromPanic(t *testing.T) {
	x := server("1", "de_dust2")
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{x}}, panicOn: 2}
	h := newHarness(t, collector, Options{})
	h.gate.Open()

	require.True(t, h.supervisor.Start(context.Background()))
	defer stopAndWait(t, h.supervisor)

	event := nextEvent(t, h)
	assert.Equal(t, 1, event.Stats.TotalCurrent)
	assert.GreaterOrEqual(t, h.supervisor.Status().Failures, uint64(1))
}

func TestSupervisor_RunOnce(t *testing.T) {
	x := server("1", "de_dust2")
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{x}}}
	h := newHarness(t, collector, Options{})

	event, err := h.supervisor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, event.Stats.TotalCurrent)
	assert.Equal(t, StateIdle, h.supervisor.State())
	assert.Equal(t, uint64(1), h.supervisor.Status().Cycles)
}

func TestSupervisor_PersistsStatsOnChange(t *testing.T) {
	x := server("1", "de_dust2")
	y := x
	y.Map = "de_mirage"
	collector := &scriptedCollector{snapshots: [][]types.ServerRecord{{x}, {y}}}
	h := newHarness(t, collector, Options{})

	_, err := h.supervisor.RunOnce(context.Background())
	require.NoError(t, err)
	data, _ := h.storage.Load(storage.KeyMapChanges)
	assert.Nil(t, data)

	_, err = h.supervisor.RunOnce(context.Background())
	require.NoError(t, err)

	var doc tracker.StatsDocument
	found, err := storage.LoadJSON(h.storage, storage.KeyMapChanges, &doc)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, doc.Changes["1"].ChangeCount)
	assert.Equal(t, []string{"de_mirage"}, doc.History["1"])

	// threshold 1 in the harness: the change also promoted the server
	data, _ = h.storage.Load(storage.KeySavedServers)
	assert.Contains(t, string(data), x.Addr)
}

func TestSupervisor_Restore(t *testing.T) {
	h := newHarness(t, &scriptedCollector{}, Options{})
	require.NoError(t, storage.SaveJSON(h.storage, storage.KeyMapChanges, tracker.StatsDocument{
		Changes: map[string]types.ChangeStats{"7": {ChangeCount: 4, DisplayName: "restored"}},
		History: map[string][]string{"7": {"de_dust2", "de_brewery"}},
	}))

	require.NoError(t, h.supervisor.Restore())

	stats, ok := h.tracker.ChangeStats("7")
	require.True(t, ok)
	assert.Equal(t, 4, stats.ChangeCount)
	assert.Equal(t, tracker.ModeMixedComp, h.tracker.Mode("7"))
}

func TestSupervisor_SetCategories(t *testing.T) {
	h := newHarness(t, &scriptedCollector{}, Options{Categories: []string{"de_dust2"}})

	h.supervisor.SetCategories([]string{"de_nuke", "de_train"})
	assert.Equal(t, []string{"de_nuke", "de_train"}, h.supervisor.Categories())
	assert.Equal(t, []string{"de_nuke", "de_train"}, h.supervisor.Status().Categories)
}

// partialProvider fails one category and serves one server for the others
type partialProvider struct {
	failing string
}

func (p *partialProvider) HasCredential() bool {
	return true
}

func (p *partialProvider) FetchPage(ctx context.Context, category string, offset, limit int) ([]types.ServerRecord, error) {
	if category == p.failing {
		return nil, fmt.Errorf("%w: HTTP 503", directory.ErrUpstreamUnavailable)
	}
	if offset > 0 {
		return nil, nil
	}
	return []types.ServerRecord{server(category, category)}, nil
}

func TestSupervisor_CategoryFailureIsolated(t *testing.T) {
	cfg := config.Default().Directory
	cfg.PageDelayMs = 1
	collector := directory.NewCollector(&partialProvider{failing: "de_nuke"}, cfg, nil)

	categories := []string{"de_dust2", "de_mirage", "de_nuke", "de_inferno", "de_train"}
	h := newHarness(t, collector, Options{Categories: categories})

	event, err := h.supervisor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, event.Stats.TotalCurrent)
	assert.Len(t, event.GameServers, 4)
}

func TestSupervisor_AllCategoriesFailedReconcilesEmpty(t *testing.T) {
	cfg := config.Default().Directory
	collector := directory.NewCollector(&partialProvider{failing: "de_nuke"}, cfg, nil)
	h := newHarness(t, collector, Options{Categories: []string{"de_nuke"}})
	h.tracker.Prime([]types.ServerRecord{server("1", "de_nuke")})

	event, err := h.supervisor.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.Stats.TotalCurrent)
	assert.Equal(t, 1, event.Stats.DisappearedCount)
	assert.Empty(t, event.GameServers)

	active, tracked, disappeared := h.tracker.Sizes()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, tracked)
	assert.Equal(t, 1, disappeared)

	// subscribers still hear about the cycle
	published := nextEvent(t, h)
	assert.Equal(t, 1, published.Stats.DisappearedCount)
}

func TestSupervisor_AllCategoriesFailedSkipped(t *testing.T) {
	cfg := config.Default().Directory
	collector := directory.NewCollector(&partialProvider{failing: "de_nuke"}, cfg, nil)
	h := newHarness(t, collector, Options{Categories: []string{"de_nuke"}, SkipOnTotalFailure: true})
	h.tracker.Prime([]types.ServerRecord{server("1", "de_nuke")})

	_, err := h.supervisor.RunOnce(context.Background())
	assert.True(t, errors.Is(err, ErrAllCategoriesFailed))
	assert.NotEmpty(t, h.supervisor.Status().LastError)

	active, _, disappeared := h.tracker.Sizes()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, disappeared)
}
