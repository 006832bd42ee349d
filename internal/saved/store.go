package saved

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound     = errors.New("saved server not found")
	ErrInvalidInput = errors.New("invalid saved server")
	ErrPersistence  = errors.New("saved servers not persisted")
)

// Store is the address-keyed list of curated servers. Every mutation
// rewrites the whole document. A failed write leaves memory authoritative
// and is reported as ErrPersistence after the change has been applied.
type Store struct {
	storage storage.Storage
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]types.SavedServer
}

func NewStore(s storage.Storage, metricsCollector *metrics.Collector) *Store {
	return &Store{
		storage: s,
		metrics: metricsCollector,
		now:     time.Now,
		entries: make(map[string]types.SavedServer),
	}
}

// Load reads the persisted document. A missing document leaves the store empty.
func (s *Store) Load() error {
	doc := make(map[string]types.SavedServer)
	found, err := storage.LoadJSON(s.storage, storage.KeySavedServers, &doc)
	if err != nil {
		return fmt.Errorf("load saved servers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]types.SavedServer, len(doc))
	for key, entry := range doc {
		if entry.Address == "" {
			entry.Address = key
		}
		if entry.IP == "" || entry.Port == "" {
			entry.IP, entry.Port, _ = net.SplitHostPort(entry.Address)
		}
		s.entries[entry.Address] = entry
	}

	if found {
		log.Infof("Loaded %d saved servers", len(s.entries))
	} else {
		log.Info("No saved servers document, starting empty")
	}
	return nil
}

// Add inserts or replaces the entry at its address
func (s *Store) Add(entry types.SavedServer) (types.SavedServer, error) {
	entry, err := normalize(entry)
	if err != nil {
		return types.SavedServer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.AddedAt = s.now()
	entry.UpdatedAt = time.Time{}
	s.entries[entry.Address] = entry
	log.Infof("Added saved server %s (%s)", entry.Name, entry.Address)

	return entry, s.persistLocked()
}

// AddIfAbsent inserts entry unless its address is already saved
func (s *Store) AddIfAbsent(entry types.SavedServer) (bool, error) {
	entry, err := normalize(entry)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Address]; exists {
		return false, nil
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = s.now()
	}
	s.entries[entry.Address] = entry

	return true, s.persistLocked()
}

// Update replaces name, mode and description of an existing entry
func (s *Store) Update(entry types.SavedServer) (types.SavedServer, error) {
	entry, err := normalize(entry)
	if err != nil {
		return types.SavedServer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[entry.Address]
	if !ok {
		return types.SavedServer{}, fmt.Errorf("%w: %s", ErrNotFound, entry.Address)
	}

	existing.Name = entry.Name
	existing.Mode = entry.Mode
	existing.Description = entry.Description
	existing.UpdatedAt = s.now()
	s.entries[entry.Address] = existing
	log.Infof("Updated saved server %s (%s)", existing.Name, existing.Address)

	return existing, s.persistLocked()
}

func (s *Store) Delete(address string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	delete(s.entries, address)
	log.Infof("Deleted saved server %s (%s)", existing.Name, address)

	return s.persistLocked()
}

func (s *Store) Get(address string) (types.SavedServer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[address]
	return entry, ok
}

// List returns a copy of every entry ordered by address
func (s *Store) List() []types.SavedServer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]types.SavedServer, 0, len(s.entries))
	for _, entry := range s.entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})
	return list
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persistLocked() error {
	if s.storage == nil {
		return nil
	}

	if err := storage.SaveJSON(s.storage, storage.KeySavedServers, s.entries); err != nil {
		log.Errorf("Failed to persist saved servers: %v", err)
		s.metrics.RecordPersistError(storage.KeySavedServers)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// normalize fills Address from IP and Port (or the reverse) and validates
func normalize(entry types.SavedServer) (types.SavedServer, error) {
	entry.Name = strings.TrimSpace(entry.Name)
	entry.Mode = strings.TrimSpace(entry.Mode)

	if entry.Address == "" && entry.IP != "" && entry.Port != "" {
		entry.Address = net.JoinHostPort(strings.TrimSpace(entry.IP), strings.TrimSpace(entry.Port))
	}

	address, err := normalizeAddress(entry.Address)
	if err != nil {
		return types.SavedServer{}, err
	}
	entry.Address = address
	entry.IP, entry.Port, _ = net.SplitHostPort(address)

	if entry.Name == "" {
		return types.SavedServer{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if entry.Mode == "" {
		return types.SavedServer{}, fmt.Errorf("%w: mode is required", ErrInvalidInput)
	}

	// enrichment fields are never stored
	entry.SteamID = ""
	entry.MapChanges = 0
	entry.LastMapChange = nil

	return entry, nil
}

func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: address must be host:port", ErrInvalidInput)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: invalid port %q", ErrInvalidInput, port)
	}
	return net.JoinHostPort(host, port), nil
}
