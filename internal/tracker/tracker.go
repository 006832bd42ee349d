package tracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

type Options struct {
	ProbeCategory     string
	AutoSaveThreshold int
	AutoSaveCooldown  time.Duration
	MaxTransitions    int
	MaxMapHistory     int

	// Zero disables the bound
	MaxDisappeared    int
	CooldownRetention time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProbeCategory:     cfg.Directory.ProbeCategory,
		AutoSaveThreshold: cfg.Scanner.AutoSaveThreshold,
		AutoSaveCooldown:  cfg.Scanner.AutoSaveCooldown(),
		MaxTransitions:    cfg.Scanner.MaxTransitions,
		MaxMapHistory:     cfg.Scanner.MaxMapHistory,
		MaxDisappeared:    cfg.Scanner.MaxDisappeared,
		CooldownRetention: cfg.Scanner.CooldownRetention(),
	}
}

// MapChange is one transition detected during a cycle
type MapChange struct {
	SteamID string
	Name    string
	From    string
	To      string
	Count   int
}

// Result is the outcome of one reconciliation
type Result struct {
	Summary    types.CycleSummary
	Changes    []MapChange
	Promotions []types.SavedServer
	Event      *types.ScanEvent
}

// StatsDocument is the persisted form of change accounting
type StatsDocument struct {
	Changes map[string]types.ChangeStats `json:"changes"`
	History map[string][]string          `json:"history"`
}

// Filter narrows the active server list. Zero values match everything.
type Filter struct {
	Map        string
	Mode       string
	Search     string
	MinPlayers int
}

// Tracker owns all per-server state. Every field below mu is only touched
// with mu held; readers get copies.
type Tracker struct {
	opts    Options
	saved   SavedIndex
	metrics *metrics.Collector
	now     func() time.Time

	mu          sync.Mutex
	history     map[string]types.ServerRecord
	disappeared map[string]types.DisappearedServer
	active      map[string]types.ServerRecord
	stats       map[string]*types.ChangeStats
	mapHistory  map[string][]string
	policy      *AutoSavePolicy
	lastCycle   time.Time

	// ids evicted by MaxDisappeared that stay out until they return
	dismissed map[string]struct{}
}

func New(opts Options, saved SavedIndex, metricsCollector *metrics.Collector) *Tracker {
	if opts.MaxTransitions < 1 {
		opts.MaxTransitions = 10
	}
	if opts.MaxMapHistory < 1 {
		opts.MaxMapHistory = 20
	}
	if opts.AutoSaveThreshold < 1 {
		opts.AutoSaveThreshold = 3
	}
	if opts.AutoSaveCooldown <= 0 {
		opts.AutoSaveCooldown = time.Hour
	}

	return &Tracker{
		opts:        opts,
		saved:       saved,
		metrics:     metricsCollector,
		now:         time.Now,
		history:     make(map[string]types.ServerRecord),
		disappeared: make(map[string]types.DisappearedServer),
		active:      make(map[string]types.ServerRecord),
		stats:       make(map[string]*types.ChangeStats),
		mapHistory:  make(map[string][]string),
		dismissed:   make(map[string]struct{}),
		policy:      NewAutoSavePolicy(saved, opts.AutoSaveThreshold, opts.AutoSaveCooldown),
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Prime stores a first snapshot without change or disappearance detection
func (t *Tracker) Prime(records []types.ServerRecord) types.CycleSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, record := range records {
		if record.SteamID == "" {
			continue
		}
		record.Mode = t.modeLocked(record)
		t.history[record.SteamID] = record
	}
	t.replaceActiveLocked(records)
	t.lastCycle = now

	log.Infof("Primed tracker with %d servers", len(t.history))
	t.recordSizesLocked()

	return types.CycleSummary{
		TotalCurrent: len(records),
		TotalTracked: len(t.history),
	}
}

// Reconcile applies a new snapshot as one transaction
func (t *Tracker) Reconcile(records []types.ServerRecord) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	result := Result{}

	currentIDs := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.SteamID != "" {
			currentIDs[record.SteamID] = struct{}{}
		}
	}

	for _, record := range records {
		id := record.SteamID
		if id == "" {
			continue
		}

		delete(t.dismissed, id)
		previous, known := t.history[id]
		record.Mode = t.modeLocked(record)
		t.history[id] = record

		if known && previous.Map != record.Map {
			change, promotion, promoted := t.trackChangeLocked(record, previous.Map, now)
			result.Changes = append(result.Changes, change)
			if promoted {
				result.Promotions = append(result.Promotions, promotion)
			}
			// mode may have moved with the new map
			record.Mode = t.modeLocked(record)
			t.history[id] = record
		}
	}

	disappearedCount := 0
	for id, record := range t.history {
		if _, present := currentIDs[id]; present {
			continue
		}
		if _, already := t.disappeared[id]; already {
			continue
		}
		if _, skip := t.dismissed[id]; skip {
			continue
		}

		t.disappeared[id] = t.disappearedFrom(record, now)
		disappearedCount++
		log.WithFields(log.Fields{"steamid": id, "map": record.Map}).
			Infof("Server %s disappeared", displayName(record))
	}

	returnedCount := 0
	for id, record := range t.disappeared {
		if _, present := currentIDs[id]; !present {
			continue
		}
		delete(t.disappeared, id)
		returnedCount++
		log.WithFields(log.Fields{"steamid": id, "map": t.history[id].Map}).
			Infof("Server %s returned", displayName(record.ServerRecord))
	}

	t.replaceActiveLocked(records)
	t.enforceBoundsLocked(now)
	t.lastCycle = now

	result.Summary = types.CycleSummary{
		DisappearedCount: disappearedCount,
		ReturnedCount:    returnedCount,
		TotalCurrent:     len(records),
		TotalTracked:     len(t.history),
	}
	result.Event = t.eventLocked(result.Summary, now)

	if disappearedCount > 0 || returnedCount > 0 || len(result.Changes) > 0 {
		log.WithFields(log.Fields{
			"disappeared": disappearedCount,
			"returned":    returnedCount,
			"map_changes": len(result.Changes),
		}).Info("Reconciled snapshot")
	}
	log.Debugf("Tracking %d servers, %d disappeared, %d current",
		len(t.history), len(t.disappeared), len(records))

	t.recordSizesLocked()
	t.metrics.RecordMapChanges(len(result.Changes))

	return result
}

// trackChangeLocked records a map transition and runs the auto-save policy
func (t *Tracker) trackChangeLocked(record types.ServerRecord, from string, now time.Time) (MapChange, types.SavedServer, bool) {
	id := record.SteamID

	stats, ok := t.stats[id]
	if !ok {
		stats = &types.ChangeStats{}
		t.stats[id] = stats
	}

	stats.ChangeCount++
	stats.LastChange = now
	stats.DisplayName = displayName(record)
	stats.Transitions = appendCapped(stats.Transitions, types.MapTransition{
		From:      from,
		To:        record.Map,
		Timestamp: now,
	}, t.opts.MaxTransitions)

	t.mapHistory[id] = appendCappedString(t.mapHistory[id], record.Map, t.opts.MaxMapHistory)

	log.WithFields(log.Fields{
		"steamid": id,
		"from":    from,
		"to":      record.Map,
		"changes": stats.ChangeCount,
	}).Infof("Server %s changed map", stats.DisplayName)

	change := MapChange{
		SteamID: id,
		Name:    stats.DisplayName,
		From:    from,
		To:      record.Map,
		Count:   stats.ChangeCount,
	}

	entry, promoted := t.policy.Evaluate(id, record, *stats, DetermineMode(t.mapHistory[id]), now)
	if promoted {
		t.metrics.RecordAutoSave()
	}
	return change, entry, promoted
}

func (t *Tracker) disappearedFrom(record types.ServerRecord, now time.Time) types.DisappearedServer {
	record.Map = t.opts.ProbeCategory
	record.Players = 0
	record.MaxPlayers = 0
	record.Bots = 0
	record.Version = "Unknown"
	return types.DisappearedServer{ServerRecord: record, DisappearedAt: now}
}

func (t *Tracker) replaceActiveLocked(records []types.ServerRecord) {
	t.active = make(map[string]types.ServerRecord, len(records))
	for _, record := range records {
		if record.SteamID == "" || t.isProbe(record) {
			continue
		}
		if tracked, ok := t.history[record.SteamID]; ok {
			record = tracked
		}
		t.active[record.SteamID] = record
	}
}

func (t *Tracker) isProbe(record types.ServerRecord) bool {
	if t.opts.ProbeCategory == "" {
		return false
	}
	return record.Category == t.opts.ProbeCategory || record.Map == t.opts.ProbeCategory
}

func (t *Tracker) enforceBoundsLocked(now time.Time) {
	if t.opts.MaxDisappeared > 0 && len(t.disappeared) > t.opts.MaxDisappeared {
		entries := t.sortedDisappearedLocked()
		// newest first; drop the tail
		for _, entry := range entries[t.opts.MaxDisappeared:] {
			delete(t.disappeared, entry.SteamID)
			t.dismissed[entry.SteamID] = struct{}{}
		}
	}
	if t.opts.CooldownRetention > 0 {
		retention := t.opts.CooldownRetention
		// entries still inside the cooldown must survive
		if retention < t.opts.AutoSaveCooldown {
			retention = t.opts.AutoSaveCooldown
		}
		if removed := t.policy.prune(now, retention); removed > 0 {
			log.Debugf("Pruned %d auto-save cooldown entries", removed)
		}
	}
}

// modeLocked prefers the curated mode of a saved entry for the address
func (t *Tracker) modeLocked(record types.ServerRecord) string {
	if t.saved != nil && record.Addr != "" {
		if entry, ok := t.saved.Get(record.Addr); ok && entry.Mode != "" {
			return entry.Mode
		}
	}
	return DetermineMode(t.mapHistory[record.SteamID])
}

func (t *Tracker) eventLocked(summary types.CycleSummary, now time.Time) *types.ScanEvent {
	return &types.ScanEvent{
		Type:               types.EventScanComplete,
		Stats:              summary,
		DisappearedServers: t.sortedDisappearedLocked(),
		GameServers:        t.sortedActiveLocked(),
		Timestamp:          now,
	}
}

func (t *Tracker) recordSizesLocked() {
	t.metrics.SetTrackerSizes(len(t.active), len(t.history), len(t.disappeared))
}

// ForceCleanup empties the disappeared set and returns how many were removed.
// History is kept, so servers still absent are reported again next cycle.
func (t *Tracker) ForceCleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := len(t.disappeared)
	t.disappeared = make(map[string]types.DisappearedServer)
	log.Infof("Force cleanup removed %d disappeared servers", count)
	t.recordSizesLocked()
	return count
}

// CurrentEvent builds an event from the current state without reconciling
func (t *Tracker) CurrentEvent() *types.ScanEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := types.CycleSummary{
		DisappearedCount: len(t.disappeared),
		TotalCurrent:     len(t.active),
		TotalTracked:     len(t.history),
	}
	return t.eventLocked(summary, t.now())
}

func (t *Tracker) ActiveServers(filter Filter) []types.ServerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	search := strings.ToLower(filter.Search)
	servers := make([]types.ServerRecord, 0, len(t.active))
	for _, record := range t.sortedActiveLocked() {
		if filter.Map != "" && record.Map != filter.Map {
			continue
		}
		if filter.Mode != "" && record.Mode != filter.Mode {
			continue
		}
		if filter.MinPlayers > 0 && record.Players < filter.MinPlayers {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(record.Name), search) &&
			!strings.Contains(record.Addr, search) {
			continue
		}
		servers = append(servers, record)
	}
	return servers
}

func (t *Tracker) DisappearedServers() []types.DisappearedServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedDisappearedLocked()
}

func (t *Tracker) IsDisappeared(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.disappeared[id]
	return ok
}

func (t *Tracker) Record(id string) (types.ServerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.history[id]
	return record, ok
}

// FindByAddress scans history for a server currently at addr
func (t *Tracker) FindByAddress(addr string) (types.ServerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found types.ServerRecord
	ok := false
	for _, record := range t.history {
		if record.Addr != addr {
			continue
		}
		// several ids can share an address after restarts; keep the freshest
		if !ok || record.LastSeen.After(found.LastSeen) {
			found = record
			ok = true
		}
	}
	return found, ok
}

func (t *Tracker) ChangeStats(id string) (types.ChangeStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.stats[id]
	if !ok {
		return types.ChangeStats{}, false
	}
	return copyStats(stats), true
}

// FindStatsByName returns the most active server whose display name
// contains name
func (t *Tracker) FindStatsByName(name string) (types.ServerChangeStats, bool) {
	if name == "" {
		return types.ServerChangeStats{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	needle := strings.ToLower(name)
	var best types.ServerChangeStats
	ok := false
	for id, stats := range t.stats {
		if !strings.Contains(strings.ToLower(stats.DisplayName), needle) {
			continue
		}
		if !ok || stats.ChangeCount > best.Stats.ChangeCount ||
			(stats.ChangeCount == best.Stats.ChangeCount && id < best.SteamID) {
			best = types.ServerChangeStats{SteamID: id, Stats: copyStats(stats)}
			ok = true
		}
	}
	return best, ok
}

// TopChanging returns up to limit servers ordered by change count
func (t *Tracker) TopChanging(limit int) []types.ServerChangeStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]types.ServerChangeStats, 0, len(t.stats))
	for id, stats := range t.stats {
		all = append(all, types.ServerChangeStats{SteamID: id, Stats: copyStats(stats)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Stats.ChangeCount != all[j].Stats.ChangeCount {
			return all[i].Stats.ChangeCount > all[j].Stats.ChangeCount
		}
		return all[i].SteamID < all[j].SteamID
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (t *Tracker) MapHistory(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.mapHistory[id]...)
}

func (t *Tracker) Mode(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return DetermineMode(t.mapHistory[id])
}

func (t *Tracker) AutoSaveThreshold() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.Threshold()
}

func (t *Tracker) SetAutoSaveThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("auto-save threshold must be positive, got %d", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy.SetThreshold(n)
	log.Infof("Auto-save threshold set to %d", n)
	return nil
}

func (t *Tracker) LastPromotion(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.LastPromotion(id)
}

// Sizes returns active, tracked and disappeared counts
func (t *Tracker) Sizes() (int, int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active), len(t.history), len(t.disappeared)
}

func (t *Tracker) LastCycle() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCycle
}

// ExportStats copies change accounting for persistence
func (t *Tracker) ExportStats() StatsDocument {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := StatsDocument{
		Changes: make(map[string]types.ChangeStats, len(t.stats)),
		History: make(map[string][]string, len(t.mapHistory)),
	}
	for id, stats := range t.stats {
		doc.Changes[id] = copyStats(stats)
	}
	for id, maps := range t.mapHistory {
		doc.History[id] = append([]string(nil), maps...)
	}
	return doc
}

// ImportStats replaces change accounting with a persisted document
func (t *Tracker) ImportStats(doc StatsDocument) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats = make(map[string]*types.ChangeStats, len(doc.Changes))
	for id, stats := range doc.Changes {
		s := copyStats(&stats)
		if len(s.Transitions) > t.opts.MaxTransitions {
			s.Transitions = s.Transitions[len(s.Transitions)-t.opts.MaxTransitions:]
		}
		t.stats[id] = &s
	}

	t.mapHistory = make(map[string][]string, len(doc.History))
	for id, maps := range doc.History {
		if len(maps) > t.opts.MaxMapHistory {
			maps = maps[len(maps)-t.opts.MaxMapHistory:]
		}
		t.mapHistory[id] = append([]string(nil), maps...)
	}

	log.Infof("Loaded map change data for %d servers", len(t.stats))
}

func (t *Tracker) sortedActiveLocked() []types.ServerRecord {
	servers := make([]types.ServerRecord, 0, len(t.active))
	for _, record := range t.active {
		servers = append(servers, record)
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].SteamID < servers[j].SteamID
	})
	return servers
}

// sortedDisappearedLocked returns newest disappearances first
func (t *Tracker) sortedDisappearedLocked() []types.DisappearedServer {
	servers := make([]types.DisappearedServer, 0, len(t.disappeared))
	for _, record := range t.disappeared {
		servers = append(servers, record)
	}
	sort.Slice(servers, func(i, j int) bool {
		if !servers[i].DisappearedAt.Equal(servers[j].DisappearedAt) {
			return servers[i].DisappearedAt.After(servers[j].DisappearedAt)
		}
		return servers[i].SteamID < servers[j].SteamID
	})
	return servers
}

func copyStats(stats *types.ChangeStats) types.ChangeStats {
	c := *stats
	c.Transitions = append([]types.MapTransition(nil), stats.Transitions...)
	return c
}

func appendCapped(list []types.MapTransition, item types.MapTransition, limit int) []types.MapTransition {
	list = append(list, item)
	if len(list) > limit {
		list = append([]types.MapTransition(nil), list[len(list)-limit:]...)
	}
	return list
}

func appendCappedString(list []string, item string, limit int) []string {
	list = append(list, item)
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func displayName(record types.ServerRecord) string {
	if record.Name != "" {
		return record.Name
	}
	return record.SteamID
}
