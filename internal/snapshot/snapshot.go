package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

// KeyLastScan is the document holding the most recent snapshot
const KeyLastScan = "last_scan"

// Snapshot is the last published cycle plus the last empty-server probe
type Snapshot struct {
	Event          *types.ScanEvent     `json:"event"`
	EmptyServers   []types.ServerRecord `json:"empty_servers"`
	EmptyScannedAt time.Time            `json:"empty_scanned_at,omitempty"`
	Cycles         uint64               `json:"cycles"`
	Updated        time.Time            `json:"updated"`
}

type Manager struct {
	current   atomic.Value // stores *Snapshot
	writeMu   sync.Mutex
	storage   storage.Storage
	persistMu sync.Mutex

	persistInterval time.Duration
	stopPersist     chan struct{}
	closeOnce       sync.Once
}

func NewManager(store storage.Storage, persistInterval time.Duration) *Manager {
	m := &Manager{
		storage:         store,
		persistInterval: persistInterval,
		stopPersist:     make(chan struct{}),
	}

	// Initialize with empty snapshot
	m.current.Store(&Snapshot{
		EmptyServers: []types.ServerRecord{},
		Updated:      time.Now(),
	})

	if persistInterval > 0 && store != nil {
		go m.periodicPersist()
	}

	return m
}

// Update atomically swaps in the latest cycle event
func (m *Manager) Update(event *types.ScanEvent) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := m.Get()
	next := *prev
	next.Event = event
	next.Cycles = prev.Cycles + 1
	next.Updated = time.Now()
	m.current.Store(&next)

	log.Debugf("Snapshot updated: %d game servers, %d disappeared",
		len(event.GameServers), len(event.DisappearedServers))
}

// UpdateEmptyServers records the result of a probe scan
func (m *Manager) UpdateEmptyServers(servers []types.ServerRecord) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := m.Get()
	next := *prev
	next.EmptyServers = servers
	next.EmptyScannedAt = time.Now()
	next.Updated = next.EmptyScannedAt
	m.current.Store(&next)

	log.Infof("Snapshot updated: %d empty servers", len(servers))
}

// Get returns the current snapshot (atomic read)
func (m *Manager) Get() *Snapshot {
	return m.current.Load().(*Snapshot)
}

// Latest returns the last cycle event, nil before the first one
func (m *Manager) Latest() *types.ScanEvent {
	return m.Get().Event
}

// EmptyServers returns a copy of the last probe result
func (m *Manager) EmptyServers() ([]types.ServerRecord, time.Time) {
	snapshot := m.Get()
	servers := make([]types.ServerRecord, len(snapshot.EmptyServers))
	copy(servers, snapshot.EmptyServers)
	return servers, snapshot.EmptyScannedAt
}

// persist saves snapshot to storage
func (m *Manager) persist(snapshot *Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := storage.SaveJSON(m.storage, KeyLastScan, snapshot); err != nil {
		log.Errorf("Failed to persist snapshot: %v", err)
	} else {
		log.Debugf("Snapshot persisted after %d cycles", snapshot.Cycles)
	}
}

// periodicPersist saves snapshot at regular intervals
func (m *Manager) periodicPersist() {
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.persist(m.Get())
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage restores the last saved snapshot if it is under an hour old
func (m *Manager) LoadFromStorage() error {
	if m.storage == nil {
		return nil
	}

	var snapshot Snapshot
	found, err := storage.LoadJSON(m.storage, KeyLastScan, &snapshot)
	if err != nil {
		return err
	}

	if found && snapshot.Updated.After(time.Now().Add(-1*time.Hour)) {
		if snapshot.EmptyServers == nil {
			snapshot.EmptyServers = []types.ServerRecord{}
		}
		m.current.Store(&snapshot)
		log.Infof("Loaded snapshot from storage (updated %s)", snapshot.Updated.Format(time.RFC3339))
		return nil
	}

	log.Info("No fresh snapshot in storage")
	return nil
}

// Close stops background tasks and writes a final snapshot
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		if m.storage != nil {
			m.persist(m.Get())
		}
	})
}
