package api

import (
	"net/http"
	"strconv"

	"github.com/cs2-scanner/internal/service"
	"github.com/cs2-scanner/internal/tracker"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func statusFor(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeInvalidInput:
		return http.StatusBadRequest
	case service.CodeUnauthorized:
		return http.StatusUnauthorized
	case service.CodeConflict:
		return http.StatusConflict
	case service.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	svcErr := service.AsError(err)
	c.JSON(statusFor(svcErr.Code), gin.H{
		"error": svcErr.Message,
		"code":  svcErr.Code,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": message,
		"code":  service.CodeInvalidInput,
	})
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      s.service.Status(),
		"subscribers": s.hub.Count(),
		"credential":  s.service.HasAPIKey(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.CurrentState())
}

func (s *Server) handleActiveServers(c *gin.Context) {
	filter := tracker.Filter{
		Map:    c.Query("map"),
		Mode:   c.Query("mode"),
		Search: c.Query("search"),
	}
	if raw := c.Query("min_players"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "Invalid min_players parameter")
			return
		}
		filter.MinPlayers = n
	}

	servers := s.service.GetActiveServers(filter)
	c.JSON(http.StatusOK, gin.H{
		"total":        len(servers),
		"game_servers": servers,
	})
}

func (s *Server) handleDisappearedServers(c *gin.Context) {
	servers := s.service.GetDisappearedServers()
	c.JSON(http.StatusOK, gin.H{
		"total":               len(servers),
		"disappeared_servers": servers,
	})
}

func (s *Server) handleEmptyServers(c *gin.Context) {
	servers, scannedAt := s.service.EmptyServers()
	response := gin.H{
		"total":         len(servers),
		"empty_servers": servers,
	}
	if !scannedAt.IsZero() {
		response["scanned_at"] = scannedAt
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleScanEmpty(c *gin.Context) {
	servers, err := s.service.ScanEmptyServers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":         len(servers),
		"empty_servers": servers,
	})
}

func (s *Server) handleSavedServers(c *gin.Context) {
	entries := s.service.GetSavedServers()
	c.JSON(http.StatusOK, gin.H{
		"total":         len(entries),
		"saved_servers": entries,
	})
}

func (s *Server) handleAddSaved(c *gin.Context) {
	var in service.SavedServerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	entry, err := s.service.AddSavedServer(in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleUpdateSaved(c *gin.Context) {
	var in service.SavedServerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	in.Address = c.Param("address")
	in.IP, in.Port = "", ""

	entry, err := s.service.UpdateSavedServer(in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleDeleteSaved(c *gin.Context) {
	if err := s.service.DeleteSavedServer(c.Param("address")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMapChangeStats(c *gin.Context) {
	steamID := c.Param("steamid")
	stats, err := s.service.GetMapChangeStats(steamID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"steamid": steamID,
		"stats":   stats,
	})
}

func (s *Server) handleTopChanging(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "Invalid limit parameter")
			return
		}
		limit = n
	}

	top, err := s.service.GetTopChangingServers(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": top})
}

func (s *Server) handleAutoSaveThreshold(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"threshold": s.service.AutoSaveThreshold()})
}

func (s *Server) handleSetAutoSaveThreshold(c *gin.Context) {
	var body struct {
		Threshold int `json:"threshold"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := s.service.SetAutoSaveThreshold(body.Threshold); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": s.service.AutoSaveThreshold()})
}

func (s *Server) handleForceCleanup(c *gin.Context) {
	removed := s.service.ForceCleanupDisappeared()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleStartScanning(c *gin.Context) {
	if err := s.service.StartScanning(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Scanning started"})
}

func (s *Server) handleStopScanning(c *gin.Context) {
	if err := s.service.StopScanning(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Scanning will stop after the current cycle"})
}

func (s *Server) handleScanOnce(c *gin.Context) {
	log.Info("Manual scan triggered via API")

	event, err := s.service.ForceUpdate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (s *Server) handleMaps(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetMaps())
}

func (s *Server) handleUpdateMaps(c *gin.Context) {
	var body struct {
		Maps []string `json:"maps"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	maps, err := s.service.UpdateMaps(body.Maps)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"maps": maps})
}

func (s *Server) handleSetAPIKey(c *gin.Context) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := s.service.SetAPIKey(body.APIKey); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
