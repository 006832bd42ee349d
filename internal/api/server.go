package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/notify"
	"github.com/cs2-scanner/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Server struct {
	config      *config.Config
	service     *service.Service
	hub         *notify.Hub
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[string]*wsClient
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, svc *service.Service, hub *notify.Hub, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		service:     svc,
		hub:         hub,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
		clients:     make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:  s.config.API.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "X-Api-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(s.metrics.Handler()))
	}

	if s.config.API.EnableIPRateLimit {
		s.router.GET("/ws", s.rateLimitMiddleware(), s.handleWebSocket)
	} else {
		s.router.GET("/ws", s.handleWebSocket)
	}

	v1 := s.router.Group("/api/v1")
	if s.config.API.EnableIPRateLimit {
		v1.Use(s.rateLimitMiddleware())
	}

	v1.GET("/status", s.handleStatus)
	v1.GET("/state", s.handleState)
	v1.GET("/servers", s.handleActiveServers)
	v1.GET("/servers/disappeared", s.handleDisappearedServers)
	v1.GET("/servers/empty", s.handleEmptyServers)
	v1.GET("/saved", s.handleSavedServers)
	v1.GET("/stats/top", s.handleTopChanging)
	v1.GET("/stats/:steamid", s.handleMapChangeStats)
	v1.GET("/maps", s.handleMaps)
	v1.GET("/autosave/threshold", s.handleAutoSaveThreshold)

	// Protected endpoints
	admin := v1.Group("/")
	if s.authEnabled() {
		admin.Use(s.authMiddleware())
	}

	admin.POST("/saved", s.handleAddSaved)
	admin.PUT("/saved/:address", s.handleUpdateSaved)
	admin.DELETE("/saved/:address", s.handleDeleteSaved)
	admin.PUT("/autosave/threshold", s.handleSetAutoSaveThreshold)
	admin.POST("/servers/disappeared/cleanup", s.handleForceCleanup)
	admin.POST("/servers/empty/scan", s.handleScanEmpty)
	admin.POST("/scan/start", s.handleStartScanning)
	admin.POST("/scan/stop", s.handleStopScanning)
	admin.POST("/scan/once", s.handleScanOnce)
	admin.PUT("/maps", s.handleUpdateMaps)
	admin.PUT("/credential", s.handleSetAPIKey)
}

func (s *Server) authEnabled() bool {
	return s.config.API.EnableAuth && s.service.AuthRequired()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.API.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	s.closeClients()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if err := s.service.Authenticate(apiKey); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
				"code":  service.CodeUnauthorized,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
