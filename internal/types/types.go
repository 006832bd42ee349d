package types

import "time"

// ServerRecord is a single directory entry as observed in one scan cycle
type ServerRecord struct {
	SteamID    string    `json:"steamid"`
	Addr       string    `json:"addr"`
	Name       string    `json:"name"`
	Map        string    `json:"map"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	Bots       int       `json:"bots"`
	Version    string    `json:"version"`
	Mode       string    `json:"mode"`
	Category   string    `json:"category,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// DisappearedServer is the record captured the cycle a server went missing
type DisappearedServer struct {
	ServerRecord
	DisappearedAt time.Time `json:"disappeared_at"`
}

// MapTransition is one observed map change
type MapTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeStats holds per-server map change accounting
type ChangeStats struct {
	ChangeCount int             `json:"changes_count"`
	LastChange  time.Time       `json:"last_change"`
	DisplayName string          `json:"server_name"`
	Transitions []MapTransition `json:"changes_history"`
}

// ServerChangeStats pairs stats with the server they belong to
type ServerChangeStats struct {
	SteamID string      `json:"steamid"`
	Stats   ChangeStats `json:"stats"`
}

// SavedServer is a curated pointer to a network address
type SavedServer struct {
	Address     string    `json:"address"`
	IP          string    `json:"ip"`
	Port        string    `json:"port"`
	Name        string    `json:"name"`
	Mode        string    `json:"mode"`
	Description string    `json:"description"`
	AddedAt     time.Time `json:"added_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`

	// Filled in on read from live tracking state, never persisted
	SteamID       string     `json:"steamid,omitempty"`
	MapChanges    int        `json:"map_changes_count"`
	LastMapChange *time.Time `json:"last_map_change,omitempty"`
}

// CycleSummary is the outcome of one reconciliation
type CycleSummary struct {
	DisappearedCount int `json:"disappeared_count"`
	ReturnedCount    int `json:"returned_count"`
	TotalCurrent     int `json:"total_current"`
	TotalTracked     int `json:"total_tracked"`
}

// ScanEvent is published to subscribers after every cycle
type ScanEvent struct {
	Type               string              `json:"type"`
	Stats              CycleSummary        `json:"stats"`
	DisappearedServers []DisappearedServer `json:"disappeared_servers"`
	GameServers        []ServerRecord      `json:"game_servers"`
	Timestamp          time.Time           `json:"timestamp"`
}

const EventScanComplete = "scan_complete"
