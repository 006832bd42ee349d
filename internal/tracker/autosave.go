package tracker

import (
	"fmt"
	"net"
	"time"

	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
)

// SavedIndex is the part of the saved-server store the tracker needs
type SavedIndex interface {
	AddIfAbsent(entry types.SavedServer) (bool, error)
	Get(address string) (types.SavedServer, bool)
}

// AutoSavePolicy promotes servers that keep changing maps into the saved
// list. It is not safe for concurrent use; Tracker calls it under its lock.
type AutoSavePolicy struct {
	threshold int
	cooldown  time.Duration
	cooldowns map[string]time.Time
	saved     SavedIndex
}

func NewAutoSavePolicy(saved SavedIndex, threshold int, cooldown time.Duration) *AutoSavePolicy {
	return &AutoSavePolicy{
		threshold: threshold,
		cooldown:  cooldown,
		cooldowns: make(map[string]time.Time),
		saved:     saved,
	}
}

// Evaluate runs after a change was recorded for id. It returns the entry
// that was inserted, if any.
func (p *AutoSavePolicy) Evaluate(id string, record types.ServerRecord, stats types.ChangeStats, mode string, now time.Time) (types.SavedServer, bool) {
	if p.saved == nil {
		return types.SavedServer{}, false
	}

	host, port, err := net.SplitHostPort(record.Addr)
	if record.Addr == "" || err != nil {
		return types.SavedServer{}, false
	}
	if stats.ChangeCount < p.threshold {
		return types.SavedServer{}, false
	}
	if last, ok := p.cooldowns[id]; ok && now.Sub(last) < p.cooldown {
		return types.SavedServer{}, false
	}

	name := stats.DisplayName
	if name == "" {
		name = id
	}

	entry := types.SavedServer{
		Address:     record.Addr,
		IP:          host,
		Port:        port,
		Name:        name,
		Mode:        mode,
		Description: fmt.Sprintf("Auto-saved after %d map changes", stats.ChangeCount),
		AddedAt:     now,
	}

	added, err := p.saved.AddIfAbsent(entry)
	if err != nil {
		log.Warnf("Auto-save of %s (%s) not persisted: %v", name, record.Addr, err)
	}
	if !added {
		log.Debugf("Server %s already saved, skipping auto-save", name)
		return types.SavedServer{}, false
	}

	p.cooldowns[id] = now
	log.WithFields(log.Fields{
		"steamid": id,
		"address": record.Addr,
		"changes": stats.ChangeCount,
	}).Infof("Auto-saved server %s", name)

	return entry, true
}

func (p *AutoSavePolicy) Threshold() int {
	return p.threshold
}

func (p *AutoSavePolicy) SetThreshold(n int) {
	p.threshold = n
}

func (p *AutoSavePolicy) LastPromotion(id string) (time.Time, bool) {
	t, ok := p.cooldowns[id]
	return t, ok
}

// prune drops cooldown entries older than retention
func (p *AutoSavePolicy) prune(now time.Time, retention time.Duration) int {
	removed := 0
	for id, t := range p.cooldowns {
		if now.Sub(t) > retention {
			delete(p.cooldowns, id)
			removed++
		}
	}
	return removed
}
