package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cs2-scanner/internal/notify"
	"github.com/cs2-scanner/internal/service"
	"github.com/cs2-scanner/internal/tracker"
	"github.com/cs2-scanner/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const maxMessageBytes = 64 * 1024

// flexString accepts a JSON string or number, ports arrive as either
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// wsRequest is the union of every client command payload
type wsRequest struct {
	Type        string          `json:"type"`
	APIKey      string          `json:"api_key"`
	Password    string          `json:"password"`
	Maps        []string        `json:"maps"`
	Address     string          `json:"address"`
	IP          string          `json:"ip"`
	Port        flexString      `json:"port"`
	Name        string          `json:"name"`
	Mode        string          `json:"mode"`
	Description string          `json:"description"`
	SteamID     string          `json:"steam_id"`
	Limit       *int            `json:"limit"`
	Threshold   json.RawMessage `json:"threshold"`
}

func (r wsRequest) savedInput() service.SavedServerInput {
	return service.SavedServerInput{
		Address:     r.Address,
		IP:          r.IP,
		Port:        string(r.Port),
		Name:        r.Name,
		Mode:        r.Mode,
		Description: r.Description,
	}
}

func (r wsRequest) address() string {
	if r.Address != "" {
		return r.Address
	}
	if r.IP == "" || r.Port == "" {
		return ""
	}
	return net.JoinHostPort(r.IP, string(r.Port))
}

// wsClient is one WebSocket connection. It receives scan events from the
// hub and command replies from its own read loop; writes are serialised.
type wsClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	admin        atomic.Bool
}

func (c *wsClient) ID() string {
	return c.id
}

// Send delivers a scan event. A failed write closes the connection so the
// read loop exits along with the hub registration.
func (c *wsClient) Send(ctx context.Context, event *types.ScanEvent) error {
	if err := c.writeJSON(event); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsClient) reply(v gin.H) {
	if err := c.writeJSON(v); err != nil {
		log.Debugf("WebSocket reply to %s failed: %v", c.id, err)
	}
}

func (c *wsClient) close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

func success(msgType string) gin.H {
	return gin.H{"type": msgType, "status": "success"}
}

func failure(msgType string, err error) gin.H {
	svcErr := service.AsError(err)
	return gin.H{
		"type":    msgType,
		"status":  "error",
		"code":    svcErr.Code,
		"message": svcErr.Message,
	}
}

var errAdminRequired = &service.Error{Code: service.CodeUnauthorized, Message: "admin authentication required"}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: time.Duration(s.config.API.WriteTimeoutMs) * time.Millisecond,
	}
	if !s.authEnabled() {
		client.admin.Store(true)
	} else if key := c.Query("key"); key != "" && s.service.Authenticate(key) == nil {
		client.admin.Store(true)
	}

	if err := s.hub.Subscribe(client); err != nil {
		log.Warnf("Rejecting WebSocket client: %v", err)
		client.reply(failure("error", &service.Error{Code: service.CodeUnavailable, Message: "too many connected clients"}))
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	log.WithFields(log.Fields{"client": client.id, "ip": c.ClientIP()}).Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.Unsubscribe(client.id)
		s.clientsMu.Lock()
		delete(s.clients, client.id)
		s.clientsMu.Unlock()
		conn.Close()
		log.WithField("client", client.id).Info("WebSocket client disconnected")
	}()

	s.readLoop(ctx, client)
}

func (s *Server) readLoop(ctx context.Context, client *wsClient) {
	client.conn.SetReadLimit(maxMessageBytes)

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WebSocket read error: %v", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			client.reply(failure("error", &service.Error{Code: service.CodeInvalidInput, Message: "malformed message"}))
			continue
		}

		log.WithFields(log.Fields{"client": client.id, "type": req.Type}).Debug("WebSocket message")
		s.dispatch(ctx, client, req)
	}
}

// adminOnly lists commands that change state
var adminOnly = map[string]bool{
	"set_api_key":             true,
	"start_scan":              true,
	"start_scanning":          true,
	"stop_scanning":           true,
	"update_maps":             true,
	"add_saved_server":        true,
	"update_saved_server":     true,
	"delete_saved_server":     true,
	"set_auto_save_threshold": true,
	"force_cleanup":           true,
}

func (s *Server) dispatch(ctx context.Context, client *wsClient, req wsRequest) {
	if adminOnly[req.Type] && !client.admin.Load() {
		client.reply(failure(replyType(req.Type), errAdminRequired))
		return
	}

	switch req.Type {
	case "set_api_key":
		if err := s.service.SetAPIKey(req.APIKey); err != nil {
			client.reply(failure("api_key_set", err))
			return
		}
		client.reply(success("api_key_set"))

	case "authenticate_admin":
		if err := s.service.Authenticate(req.Password); err != nil {
			client.reply(failure("admin_authenticated", err))
			return
		}
		client.admin.Store(true)
		client.reply(success("admin_authenticated"))

	case "get_initial_state":
		event := s.service.CurrentState()
		client.reply(gin.H{
			"type":                "initial_state",
			"disappeared_servers": event.DisappearedServers,
			"game_servers":        event.GameServers,
			"stats": gin.H{
				"total_tracked":     event.Stats.TotalTracked,
				"total_disappeared": len(event.DisappearedServers),
				"total_game":        len(event.GameServers),
			},
		})

	case "get_game_servers":
		client.reply(gin.H{
			"type":         "game_servers_update",
			"game_servers": s.service.GetActiveServers(tracker.Filter{}),
		})

	case "scan_graphics_settings":
		// probe paging takes seconds, keep reading meanwhile
		go func() {
			servers, err := s.service.ScanEmptyServers(ctx)
			if err != nil {
				client.reply(failure("empty_servers_update", err))
				return
			}
			client.reply(gin.H{"type": "empty_servers_update", "empty_servers": servers})
		}()

	case "start_scan":
		s.service.TriggerScan()
		client.reply(success("scan_started"))

	case "force_update":
		if err := client.writeJSON(s.service.CurrentState()); err != nil {
			log.Debugf("WebSocket reply to %s failed: %v", client.id, err)
		}

	case "start_scanning":
		if err := s.service.StartScanning(); err != nil {
			client.reply(failure("scanning_started", err))
			return
		}
		client.reply(success("scanning_started"))

	case "stop_scanning":
		if err := s.service.StopScanning(); err != nil {
			client.reply(failure("scanning_stopped", err))
			return
		}
		client.reply(success("scanning_stopped"))

	case "get_status":
		reply := success("status")
		reply["scanner"] = s.service.Status()
		client.reply(reply)

	case "get_maps":
		maps := s.service.GetMaps()
		reply := success("maps")
		reply["available"] = maps.Available
		reply["selected"] = maps.Selected
		client.reply(reply)

	case "update_maps":
		maps, err := s.service.UpdateMaps(req.Maps)
		if err != nil {
			client.reply(failure("maps_updated", err))
			return
		}
		reply := success("maps_updated")
		reply["maps"] = maps
		client.reply(reply)

	case "get_saved_servers":
		client.reply(gin.H{
			"type":          "saved_servers_update",
			"saved_servers": s.service.GetSavedServers(),
		})

	case "add_saved_server":
		entry, err := s.service.AddSavedServer(req.savedInput())
		if err != nil {
			client.reply(failure(req.Type, err))
			return
		}
		reply := success(req.Type)
		reply["message"] = fmt.Sprintf("Server %s (%s) added", entry.Name, entry.Address)
		client.reply(reply)

	case "update_saved_server":
		entry, err := s.service.UpdateSavedServer(req.savedInput())
		if err != nil {
			client.reply(failure(req.Type, err))
			return
		}
		reply := success(req.Type)
		reply["message"] = fmt.Sprintf("Server %s (%s) updated", entry.Name, entry.Address)
		client.reply(reply)

	case "delete_saved_server":
		address := req.address()
		if err := s.service.DeleteSavedServer(address); err != nil {
			client.reply(failure(req.Type, err))
			return
		}
		reply := success(req.Type)
		reply["message"] = fmt.Sprintf("Server %s deleted", address)
		client.reply(reply)

	case "get_map_changes_stats":
		stats, err := s.service.GetMapChangeStats(req.SteamID)
		if err != nil {
			client.reply(failure("map_changes_stats", err))
			return
		}
		reply := success("map_changes_stats")
		reply["stats"] = stats
		client.reply(reply)

	case "get_top_changing_servers":
		limit := 0
		if req.Limit != nil {
			limit = *req.Limit
		}
		top, err := s.service.GetTopChangingServers(limit)
		if err != nil {
			client.reply(failure("top_changing_servers", err))
			return
		}
		reply := success("top_changing_servers")
		reply["servers"] = top
		client.reply(reply)

	case "set_auto_save_threshold":
		threshold, err := parseThreshold(req.Threshold)
		if err == nil {
			err = s.service.SetAutoSaveThreshold(threshold)
		}
		if err != nil {
			client.reply(failure("auto_save_threshold_updated", err))
			return
		}
		reply := success("auto_save_threshold_updated")
		reply["threshold"] = s.service.AutoSaveThreshold()
		client.reply(reply)

	case "get_auto_save_threshold":
		reply := success("auto_save_threshold")
		reply["threshold"] = s.service.AutoSaveThreshold()
		client.reply(reply)

	case "force_cleanup":
		removed := s.service.ForceCleanupDisappeared()
		reply := success("force_cleanup")
		reply["message"] = fmt.Sprintf("Cleared %d servers from the disappeared list", removed)
		client.reply(reply)

		event := s.service.CurrentState()
		event.Stats.DisappearedCount = 0
		event.Stats.ReturnedCount = removed
		if err := client.writeJSON(event); err != nil {
			log.Debugf("WebSocket reply to %s failed: %v", client.id, err)
		}

	default:
		client.reply(failure("error", &service.Error{
			Code:    service.CodeInvalidInput,
			Message: fmt.Sprintf("unknown message type %q", req.Type),
		}))
	}
}

// replyType maps a command to the type its reply is sent under
func replyType(command string) string {
	switch command {
	case "set_api_key":
		return "api_key_set"
	case "start_scan":
		return "scan_started"
	case "start_scanning":
		return "scanning_started"
	case "stop_scanning":
		return "scanning_stopped"
	case "update_maps":
		return "maps_updated"
	case "set_auto_save_threshold":
		return "auto_save_threshold_updated"
	default:
		return command
	}
}

// parseThreshold accepts only a JSON integer
func parseThreshold(raw json.RawMessage) (int, error) {
	invalid := &service.Error{Code: service.CodeInvalidInput, Message: "threshold must be a positive integer"}
	if len(raw) == 0 || raw[0] == '"' {
		return 0, invalid
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, invalid
	}
	return n, nil
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

var _ notify.Subscriber = (*wsClient)(nil)
