// Package server accepts WebSocket upgrades and binds them to control
// sessions and TCP bridges.
package server

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/antmicro/renode-ws-proxy/internal/bridge"
	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/fsservice"
	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/session"
)

// controlReadLimit allows large base64 ELF uploads on the control channel.
const controlReadLimit = 100 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // self-hosted; every origin may connect
	},
}

type endpointEntry struct {
	workspace string
	endpoint  bridge.Endpoint
}

// Server is the WS listener and route table.
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	staging string

	mu        sync.Mutex
	sessions  map[string]*session.Session
	endpoints map[string]endpointEntry
}

// New builds the route table. staging is the process-wide tempdir for
// archive downloads.
func New(cfg *config.Config, staging string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:       cfg,
		staging:   staging,
		sessions:  make(map[string]*session.Session),
		endpoints: make(map[string]endpointEntry),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	router.Use(loggingMiddleware())

	router.GET("/proxy", s.handleProxy)
	router.GET("/proxy/:workspace", s.handleProxy)
	router.GET("/telnet/:port", s.handleTelnet)
	router.GET("/uart/:machine/:name", s.handleUART)
	router.GET("/run/:port", s.handleRun)

	s.router = router
	return s
}

// loggingMiddleware logs upgrade requests.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Infof("[%s] %s - %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run binds the listener and serves until the process ends. A bind failure
// is returned to the caller (exit code 1).
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	logger.Infof("renode-ws-proxy listening on %s", s.cfg.Addr)
	return http.Serve(listener, s.router)
}

// Shutdown closes every session and removes the staging directory.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	if s.staging != "" {
		os.RemoveAll(s.staging)
	}
}

// Register implements session.EndpointRegistry.
func (s *Server) Register(workspace string, ep bridge.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.Route()] = endpointEntry{workspace: workspace, endpoint: ep}
}

// UnregisterAll implements session.EndpointRegistry.
func (s *Server) UnregisterAll(workspace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for route, entry := range s.endpoints {
		if entry.workspace == workspace {
			delete(s.endpoints, route)
		}
	}
}

// handleProxy attaches a control session to a workspace. One active session
// per workspace; a concurrent second connection is refused as busy.
func (s *Server) handleProxy(c *gin.Context) {
	workspace := c.Param("workspace")

	dir, err := workspaceDir(s.cfg.ExecutionDir, workspace)
	if err != nil {
		c.String(http.StatusNotFound, "path-escape")
		return
	}
	root, err := sandbox.New(dir)
	if err != nil {
		c.String(http.StatusInternalServerError, "io")
		return
	}

	s.mu.Lock()
	if _, active := s.sessions[workspace]; active {
		s.mu.Unlock()
		logger.Warnf("proxy: workspace %q already attached", workspace)
		c.String(http.StatusConflict, "busy")
		return
	}
	// Reserve the slot before the upgrade so two racing upgrades cannot
	// both win.
	s.sessions[workspace] = nil
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.sessions, workspace)
		s.mu.Unlock()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warnf("proxy: upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(controlReadLimit)

	fs := fsservice.New(root, s.staging)
	sess := session.New(workspace, conn, s.cfg, fs, s)
	s.mu.Lock()
	s.sessions[workspace] = sess
	s.mu.Unlock()

	logger.Infof("proxy: workspace %q connected", workspace)
	sess.Run()
	release()
	logger.Infof("proxy: workspace %q detached", workspace)
}

// workspaceDir maps a workspace id to its sandbox root. An empty workspace
// uses the execution dir itself. The id is client-supplied, so it goes
// through the sandbox like any other relative path.
func workspaceDir(base, workspace string) (string, error) {
	if workspace == "" {
		return base, nil
	}
	root, err := sandbox.New(base)
	if err != nil {
		return "", err
	}
	return root.Resolve(workspace)
}

func (s *Server) bridgeTo(c *gin.Context, addr string, owner string) {
	tcp, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Warnf("bridge: dial %s: %v", addr, err)
		c.String(http.StatusBadGateway, "endpoint unavailable")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		tcp.Close()
		return
	}

	b := bridge.New(conn, tcp, bridge.Options{})
	if owner != "" {
		s.mu.Lock()
		sess := s.sessions[owner]
		s.mu.Unlock()
		if sess != nil {
			sess.AttachBridge(b)
		}
	}
	b.Wait()
}

// handleTelnet bridges to the engine's monitor telnet on a local port.
func (s *Server) handleTelnet(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		c.Status(http.StatusNotFound)
		return
	}
	s.bridgeTo(c, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), "")
}

// handleUART bridges to a UART endpoint previously advertised by an
// uart-opened event.
func (s *Server) handleUART(c *gin.Context) {
	route := "/uart/" + c.Param("machine") + "/" + c.Param("name")
	s.bridgeAdvertised(c, route)
}

// handleRun bridges to an advertised engine-bound TCP port (GDB server,
// analyzer socket).
func (s *Server) handleRun(c *gin.Context) {
	if _, err := strconv.Atoi(c.Param("port")); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	s.bridgeAdvertised(c, "/run/"+c.Param("port"))
}

func (s *Server) bridgeAdvertised(c *gin.Context, route string) {
	s.mu.Lock()
	entry, ok := s.endpoints[route]
	s.mu.Unlock()
	if !ok {
		logger.Warnf("bridge: no advertised endpoint for %s", route)
		c.Status(http.StatusNotFound)
		return
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(entry.endpoint.Port))
	s.bridgeTo(c, addr, entry.workspace)
}
