// Package devserver serves the output tree over HTTP and pushes reload
// signals to connected browsers over a websocket.
package devserver

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/assetflow/internal/telemetry"
)

//go:embed livereload.js
var clientScript []byte

const (
	reloadPath = "/__livereload"
	scriptPath = "/__livereload.js"
)

var bodyClose = regexp.MustCompile(`(?i)</body>`)

// Config configures the dev server.
type Config struct {
	Host string
	Port int
	CORS bool
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the live-reload dev server. Reload calls before Start are
// no-ops.
type Server struct {
	cfg     Config
	monitor *telemetry.BuildMonitor
	hub     *hub

	mu   sync.Mutex
	root string
	ln   net.Listener
	srv  *http.Server
}

// New creates a server. monitor may be nil.
func New(cfg Config, monitor *telemetry.BuildMonitor) *Server {
	return &Server{cfg: cfg, monitor: monitor, hub: newHub()}
}

// Start binds the listener and serves root until ctx is done or Shutdown is
// called. A second call while running is a no-op.
func (s *Server) Start(ctx context.Context, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		log.Warn().Str("addr", s.ln.Addr().String()).Msg("Dev server already running")
		return nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return &ServerStartError{Addr: s.cfg.Addr(), Err: err}
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return &ServerStartError{Addr: s.cfg.Addr(), Err: err}
	}
	s.root = abs
	s.ln = ln
	s.hub.open()
	srv := &http.Server{Handler: s.engine(), ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dev server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Info().Str("url", "http://"+ln.Addr().String()).Str("root", abs).Msg("Dev server listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Running reports whether Start succeeded and Shutdown has not been called.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Clients returns the number of connected browsers.
func (s *Server) Clients() int { return s.hub.count() }

// Reload asks every connected browser to reload the page.
func (s *Server) Reload() {
	s.send("page", Message{Command: "reload"})
}

// ReloadCSS asks browsers to swap the stylesheet at p in place. Browsers
// that do not have it loaded reload the page.
func (s *Server) ReloadCSS(p string) {
	s.send("css", Message{Command: "reload", Path: p, LiveCSS: true})
}

func (s *Server) send(kind string, msg Message) {
	if !s.Running() {
		return
	}
	n := s.hub.broadcast(msg)
	log.Debug().Str("kind", kind).Str("path", msg.Path).Int("clients", n).Msg("Reload sent")
	if s.monitor != nil {
		s.monitor.RecordReload(kind, n)
	}
}

// Shutdown disconnects clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.hub.closeAll()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown dev server: %w", err)
	}
	log.Debug().Msg("Dev server stopped")
	return nil
}

func (s *Server) engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if s.cfg.CORS {
		r.Use(cors())
	}

	r.GET(reloadPath, s.handleSocket)
	r.GET(scriptPath, func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", clientScript)
	})
	var collector *telemetry.Collector
	if s.monitor != nil {
		collector = s.monitor.Collector()
	}
	r.GET("/__metrics", func(c *gin.Context) {
		if s.monitor != nil {
			s.monitor.SampleRuntime()
		}
		telemetry.MetricsHandler(collector).ServeHTTP(c.Writer, c.Request)
	})
	r.GET("/__health", gin.WrapH(telemetry.HealthHandler(telemetry.DefaultHealthChecks())))
	r.NoRoute(s.serveStatic)
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, 8)}
	cl.send <- []byte(`{"command":"hello"}`)
	if !s.hub.add(cl) {
		// upgraded while shutting down; hijacked conns are not closed for us
		_ = conn.Close()
		return
	}
	go cl.writeLoop()

	// Reads only detect disconnects; browsers never send anything useful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(cl)
			return
		}
	}
}

func (s *Server) serveStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()

	rel := path.Clean("/" + c.Request.URL.Path)
	name := filepath.Join(root, filepath.FromSlash(rel))
	st, err := os.Stat(name)
	if err == nil && st.IsDir() {
		name = filepath.Join(name, "index.html")
		st, err = os.Stat(name)
	}
	if err != nil || st.IsDir() {
		c.String(http.StatusNotFound, "404 page not found")
		return
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".html" && ext != ".htm" {
		c.Header("Cache-Control", "no-cache")
		http.ServeFile(c.Writer, c.Request, name)
		return
	}
	b, err := os.ReadFile(name)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", InjectClient(b))
}

// InjectClient inserts the live-reload script tag before the last </body>,
// or appends it when the document has none.
func InjectClient(doc []byte) []byte {
	tag := []byte(`<script src="` + scriptPath + `"></script>`)
	locs := bodyClose.FindAllIndex(doc, -1)
	if len(locs) == 0 {
		return append(append([]byte(nil), doc...), tag...)
	}
	at := locs[len(locs)-1][0]
	var buf bytes.Buffer
	buf.Grow(len(doc) + len(tag))
	buf.Write(doc[:at])
	buf.Write(tag)
	buf.Write(doc[at:])
	return buf.Bytes()
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == reloadPath {
			return
		}
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	}
}
