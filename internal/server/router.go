package server

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/scriptd/internal/manager"
	"github.com/loykin/scriptd/internal/metrics"
)

// Config shapes the HTTP surface. Zero values fall back to the defaults.
type Config struct {
	BasePath     string   // REST prefix, default "/api"
	WSPath       string   // WebSocket prefix, default "/ws"
	CORSOrigins  []string // allowed origins; "*" allows any
	Metrics      bool     // serve /metrics on this handler
	PingInterval time.Duration
	WriteTimeout time.Duration
}

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = "/api"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	c.BasePath = sanitizeBase(c.BasePath)
	c.WSPath = sanitizeBase(c.WSPath)
	return c
}

// Router serves the REST API and the live execution streams.
// REST endpoints under {BasePath}:
//
//	GET    /scripts?tag=&search=
//	POST   /scripts
//	GET    /scripts/:id
//	PUT    /scripts/:id
//	DELETE /scripts/:id
//	POST   /scripts/:id/execute
//	GET    /executions?script_id=&limit=&offset=
//	GET    /executions/:id
//	GET    /stats
//
// WebSocket endpoints under {WSPath}:
//
//	GET /executions/:id     watch a running execution
//	GET /execute/:script_id start a script and watch it from the first byte
type Router struct {
	mgr      *manager.Manager
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewRouter(mgr *manager.Manager, cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{mgr: mgr, cfg: cfg.withDefaults(), log: log}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     r.originAllowed,
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), observeHTTP(), r.cors())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.cfg.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := g.Group(r.cfg.BasePath)
	api.GET("/scripts", r.handleListScripts)
	api.POST("/scripts", r.handleCreateScript)
	api.GET("/scripts/:id", r.handleGetScript)
	api.PUT("/scripts/:id", r.handleUpdateScript)
	api.DELETE("/scripts/:id", r.handleDeleteScript)
	api.POST("/scripts/:id/execute", r.handleExecute)
	api.GET("/executions", r.handleListExecutions)
	api.GET("/executions/:id", r.handleGetExecution)
	api.GET("/stats", r.handleStats)

	ws := g.Group(r.cfg.WSPath)
	ws.GET("/executions/:id", r.handleWatch)
	ws.GET("/execute/:script_id", r.handleExecuteStream)
	return g
}

// NewServer wraps h in an http.Server with header and idle timeouts. Read
// and write timeouts are left to the WebSocket sessions, which set their own
// deadlines.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func observeHTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

func (r *Router) allowOrigin(origin string) bool {
	return slices.Contains(r.cfg.CORSOrigins, "*") || slices.Contains(r.cfg.CORSOrigins, origin)
}

func (r *Router) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !r.allowOrigin(origin) {
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			if req := c.GetHeader("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			}
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originAllowed accepts same-origin and non-browser clients plus the CORS
// allow-list.
func (r *Router) originAllowed(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if r.allowOrigin(origin) {
		return true
	}
	u := "http://" + req.Host
	return origin == u || origin == "https://"+req.Host
}
