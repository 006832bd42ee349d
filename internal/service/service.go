package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/directory"
	"github.com/cs2-scanner/internal/saved"
	"github.com/cs2-scanner/internal/scanner"
	"github.com/cs2-scanner/internal/snapshot"
	"github.com/cs2-scanner/internal/tracker"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 100
)

// CredentialSetter accepts the directory API key at runtime
type CredentialSetter interface {
	SetAPIKey(key string)
	HasCredential() bool
}

// ProbeCollector scans the probe category
type ProbeCollector interface {
	CollectProbe(ctx context.Context) ([]types.ServerRecord, []directory.CategoryResult)
}

// SavedServerInput is the payload of add and update commands
type SavedServerInput struct {
	Address     string `json:"address"`
	IP          string `json:"ip"`
	Port        string `json:"port"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Description string `json:"description"`
}

func (in SavedServerInput) entry() types.SavedServer {
	return types.SavedServer{
		Address:     in.Address,
		IP:          in.IP,
		Port:        in.Port,
		Name:        in.Name,
		Mode:        in.Mode,
		Description: in.Description,
	}
}

// MapSelection lists every known map and the ones currently scanned
type MapSelection struct {
	Available []string `json:"available"`
	Selected  []string `json:"selected"`
}

// StatusReport summarises the running service
type StatusReport struct {
	Scanner           scanner.Status `json:"scanner"`
	ActiveServers     int            `json:"active_servers"`
	TrackedServers    int            `json:"tracked_servers"`
	Disappeared       int            `json:"disappeared_servers"`
	SavedServers      int            `json:"saved_servers"`
	AutoSaveThreshold int            `json:"auto_save_threshold"`
	LastReconcile     *time.Time     `json:"last_reconcile,omitempty"`
}

// Service is the single command surface used by every transport
type Service struct {
	tracker    *tracker.Tracker
	saved      *saved.Store
	supervisor *scanner.Supervisor
	probe      ProbeCollector
	credential CredentialSetter
	gate       *scanner.CredentialGate
	snapshots  *snapshot.Manager
	secret     string
	knownMaps  []string

	// base context for loops started through StartScanning
	runCtx context.Context

	probeMu sync.Mutex
}

type Deps struct {
	Tracker    *tracker.Tracker
	Saved      *saved.Store
	Supervisor *scanner.Supervisor
	Probe      ProbeCollector
	Credential CredentialSetter
	Gate       *scanner.CredentialGate
	Snapshots  *snapshot.Manager
	Secret     string
}

func New(ctx context.Context, deps Deps) *Service {
	return &Service{
		tracker:    deps.Tracker,
		saved:      deps.Saved,
		supervisor: deps.Supervisor,
		probe:      deps.Probe,
		credential: deps.Credential,
		gate:       deps.Gate,
		snapshots:  deps.Snapshots,
		secret:     deps.Secret,
		knownMaps:  append([]string(nil), config.DefaultMaps...),
		runCtx:     ctx,
	}
}

func (s *Service) GetActiveServers(filter tracker.Filter) []types.ServerRecord {
	return s.tracker.ActiveServers(filter)
}

func (s *Service) GetDisappearedServers() []types.DisappearedServer {
	return s.tracker.DisappearedServers()
}

// GetSavedServers returns saved entries enriched with live change data.
// The server is located by address in history, then by display name.
func (s *Service) GetSavedServers() []types.SavedServer {
	entries := s.saved.List()

	for i := range entries {
		entry := &entries[i]

		steamID := ""
		if record, ok := s.tracker.FindByAddress(entry.Address); ok {
			steamID = record.SteamID
		} else if match, ok := s.tracker.FindStatsByName(entry.Name); ok {
			steamID = match.SteamID
		}
		if steamID == "" {
			log.Debugf("No tracked server for saved entry %s (%s)", entry.Name, entry.Address)
			continue
		}

		entry.SteamID = steamID
		if stats, ok := s.tracker.ChangeStats(steamID); ok {
			entry.MapChanges = stats.ChangeCount
			lastChange := stats.LastChange
			entry.LastMapChange = &lastChange
		}
		if mode := s.tracker.Mode(steamID); mode != tracker.ModeUnknown {
			entry.Mode = mode
		}
	}

	return entries
}

func (s *Service) GetMapChangeStats(steamID string) (types.ChangeStats, error) {
	if strings.TrimSpace(steamID) == "" {
		return types.ChangeStats{}, newError(CodeInvalidInput, "steam_id is required")
	}
	stats, ok := s.tracker.ChangeStats(steamID)
	if !ok {
		return types.ChangeStats{}, newError(CodeNotFound, "no map change statistics for server %s", steamID)
	}
	return stats, nil
}

func (s *Service) GetTopChangingServers(limit int) ([]types.ServerChangeStats, error) {
	if limit < 0 {
		return nil, newError(CodeInvalidInput, "limit must not be negative")
	}
	if limit == 0 {
		limit = defaultTopLimit
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}
	return s.tracker.TopChanging(limit), nil
}

func (s *Service) AddSavedServer(in SavedServerInput) (types.SavedServer, error) {
	entry, err := s.saved.Add(in.entry())
	return entry, s.mutationError(err)
}

func (s *Service) UpdateSavedServer(in SavedServerInput) (types.SavedServer, error) {
	entry, err := s.saved.Update(in.entry())
	return entry, s.mutationError(err)
}

func (s *Service) DeleteSavedServer(address string) error {
	return s.mutationError(s.saved.Delete(address))
}

// mutationError treats a failed write as success; memory stays authoritative
func (s *Service) mutationError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, saved.ErrPersistence) {
		log.Warnf("Saved server change kept in memory only: %v", err)
		return nil
	}
	return AsError(err)
}

func (s *Service) SetAutoSaveThreshold(n int) error {
	if err := s.tracker.SetAutoSaveThreshold(n); err != nil {
		return newError(CodeInvalidInput, "threshold must be a positive integer")
	}
	return nil
}

func (s *Service) AutoSaveThreshold() int {
	return s.tracker.AutoSaveThreshold()
}

func (s *Service) ForceCleanupDisappeared() int {
	return s.tracker.ForceCleanup()
}

func (s *Service) StartScanning() error {
	if !s.supervisor.Start(s.runCtx) {
		return newError(CodeConflict, "scanning is already running")
	}
	return nil
}

func (s *Service) StopScanning() error {
	if !s.supervisor.Stop() {
		return newError(CodeConflict, "scanning is not running")
	}
	return nil
}

// TriggerScan runs one reconciliation in the background
func (s *Service) TriggerScan() {
	go func() {
		if _, err := s.supervisor.RunOnce(s.runCtx); err != nil {
			log.Errorf("Single scan failed: %v", err)
		}
	}()
}

// ForceUpdate runs one reconciliation and returns its event
func (s *Service) ForceUpdate(ctx context.Context) (*types.ScanEvent, error) {
	event, err := s.supervisor.RunOnce(ctx)
	if err != nil {
		log.Errorf("Forced scan failed: %v", err)
		return nil, newError(CodeUnavailable, "scan failed, try again later")
	}
	return event, nil
}

// CurrentState returns the tracked state without running a scan
func (s *Service) CurrentState() *types.ScanEvent {
	return s.tracker.CurrentEvent()
}

// LatestEvent returns the last published cycle, nil before the first
func (s *Service) LatestEvent() *types.ScanEvent {
	return s.snapshots.Latest()
}

func (s *Service) GetMaps() MapSelection {
	selected := s.supervisor.Categories()
	available := append([]string(nil), s.knownMaps...)
	seen := make(map[string]struct{}, len(available))
	for _, m := range available {
		seen[m] = struct{}{}
	}
	for _, m := range selected {
		if _, ok := seen[m]; !ok {
			available = append(available, m)
		}
	}
	return MapSelection{Available: available, Selected: selected}
}

// UpdateMaps replaces the scanned categories
func (s *Service) UpdateMaps(maps []string) ([]string, error) {
	seen := make(map[string]struct{}, len(maps))
	selected := make([]string, 0, len(maps))
	for _, m := range maps {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if strings.ContainsAny(m, `\/ `) {
			return nil, newError(CodeInvalidInput, "invalid map name %q", m)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		selected = append(selected, m)
	}
	if len(selected) == 0 {
		return nil, newError(CodeInvalidInput, "at least one map is required")
	}

	sort.Strings(selected)
	s.supervisor.SetCategories(selected)
	return selected, nil
}

// SetAPIKey installs the directory credential and releases the startup wait
func (s *Service) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return newError(CodeInvalidInput, "api_key is required")
	}
	s.credential.SetAPIKey(key)
	s.gate.Open()
	log.Info("Directory API key set")
	return nil
}

func (s *Service) HasAPIKey() bool {
	return s.credential.HasCredential()
}

// Authenticate checks the shared admin secret. Without a configured
// secret nobody authenticates.
func (s *Service) Authenticate(secret string) error {
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
		log.Warn("Admin authentication failed")
		return newError(CodeUnauthorized, "invalid admin secret")
	}
	return nil
}

func (s *Service) AuthRequired() bool {
	return s.secret != ""
}

// ScanEmptyServers runs the probe scan and stores its result
func (s *Service) ScanEmptyServers(ctx context.Context) ([]types.ServerRecord, error) {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if !s.credential.HasCredential() {
		return nil, newError(CodeUnavailable, "no directory API key set")
	}

	servers, results := s.probe.CollectProbe(ctx)
	for _, r := range results {
		if r.Error != "" && len(servers) == 0 {
			return nil, newError(CodeUnavailable, "server directory is unavailable")
		}
	}

	s.snapshots.UpdateEmptyServers(servers)
	return servers, nil
}

// EmptyServers returns the last probe result
func (s *Service) EmptyServers() ([]types.ServerRecord, time.Time) {
	return s.snapshots.EmptyServers()
}

func (s *Service) Status() StatusReport {
	active, tracked, disappeared := s.tracker.Sizes()
	report := StatusReport{
		Scanner:           s.supervisor.Status(),
		ActiveServers:     active,
		TrackedServers:    tracked,
		Disappeared:       disappeared,
		SavedServers:      s.saved.Len(),
		AutoSaveThreshold: s.tracker.AutoSaveThreshold(),
	}
	if last := s.tracker.LastCycle(); !last.IsZero() {
		report.LastReconcile = &last
	}
	return report
}
