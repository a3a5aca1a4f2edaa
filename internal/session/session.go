// Package session implements the control-channel RPC dispatcher: one Session
// per control WebSocket, owning the engine process, its monitor connection
// and every advertised bridge endpoint.
package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antmicro/renode-ws-proxy/internal/bridge"
	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/engine"
	"github.com/antmicro/renode-ws-proxy/internal/fsservice"
	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// State is the session's engine lifecycle state.
type State string

const (
	StateConnected      State = "connected"
	StateEngineStarting State = "engine-starting"
	StateEngineRunning  State = "engine-running"
	StateEngineDown     State = "engine-down"
	StateClosed         State = "closed"
)

const (
	defaultRequestTimeout = 60 * time.Second
	spawnTimeout          = 10500 * time.Millisecond
	execMonitorTimeout    = 10 * time.Second
	eventEnqueueTimeout   = 5 * time.Second
	outboundDepth         = 64
)

// EndpointRegistry lets the session advertise bridgeable TCP endpoints to the
// route layer.
type EndpointRegistry interface {
	Register(workspace string, ep bridge.Endpoint)
	UnregisterAll(workspace string)
}

// Session services one control WebSocket.
type Session struct {
	workspace string
	cfg       *config.Config
	fs        *fsservice.Service
	sup       *engine.Supervisor
	registry  EndpointRegistry

	conn     *websocket.Conn
	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	monitor   *engine.Monitor
	endpoints []bridge.Endpoint
	bridges   map[*bridge.Bridge]struct{}

	// engineMu serializes engine-mutating requests (spawn, kill, exec-*).
	// Filesystem requests run concurrently with them.
	engineMu sync.Mutex

	eventsDropped atomic.Int64
}

// New builds a session bound to an accepted control WebSocket.
func New(workspace string, conn *websocket.Conn, cfg *config.Config, fs *fsservice.Service, registry EndpointRegistry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		workspace: workspace,
		cfg:       cfg,
		fs:        fs,
		sup:       engine.NewSupervisor(cfg.RenodeBinary, cfg.GUIDisabled, cfg.GUIForced),
		registry:  registry,
		conn:      conn,
		outbound:  make(chan []byte, outboundDepth),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnected,
		bridges:   make(map[*bridge.Bridge]struct{}),
	}
	s.sup.OnExit(s.onEngineExit)
	return s
}

// Workspace returns the session's workspace id.
func (s *Session) Workspace() string { return s.workspace }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run services the control socket until it closes, then tears everything
// down. It blocks until teardown completes.
func (s *Session) Run() {
	s.wg.Add(1)
	go s.writeLoop()

	for {
		kind, raw, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debugf("session %s: control socket closed: %v", s.workspace, err)
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.wg.Add(1)
		go s.handleRaw(raw)
	}

	s.Close()
	s.wg.Wait()
}

// Close cancels all pending handlers, tears down every bridge and terminates
// the engine. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	monitor := s.monitor
	s.monitor = nil
	bridges := make([]*bridge.Bridge, 0, len(s.bridges))
	for b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.bridges = make(map[*bridge.Bridge]struct{})
	s.endpoints = nil
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()
	if s.registry != nil {
		s.registry.UnregisterAll(s.workspace)
	}
	for _, b := range bridges {
		b.Close()
	}
	if monitor != nil {
		monitor.Close()
	}
	// No orphaned engine process may survive the session.
	ctx, cancel := context.WithTimeout(context.Background(), killGraceBudget)
	defer cancel()
	if err := s.sup.Kill(ctx); err != nil && err != wire.ErrEngineNotRunning {
		logger.Warnf("session %s: engine teardown: %v", s.workspace, err)
	}
	logger.Infof("session %s: closed (%d events dropped)", s.workspace, s.eventsDropped.Load())
}

const killGraceBudget = 5 * time.Second

// AttachBridge registers a bridge owned by this session and detaches it when
// it finishes.
func (s *Session) AttachBridge(b *bridge.Bridge) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		b.Close()
		return
	}
	s.bridges[b] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.Wait()
		s.mu.Lock()
		delete(s.bridges, b)
		s.mu.Unlock()
	}()
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debugf("session %s: write failed: %v", s.workspace, err)
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) sendResponse(resp wire.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		logger.Errorf("session %s: marshal response: %v", s.workspace, err)
		return
	}
	select {
	case s.outbound <- raw:
	case <-s.ctx.Done():
	}
}

// Emit queues an event for delivery. Events are best-effort: after a bounded
// enqueue wait they are dropped and counted.
func (s *Session) Emit(name string, data any) {
	raw, err := json.Marshal(wire.NewEvent(name, data))
	if err != nil {
		logger.Errorf("session %s: marshal event %s: %v", s.workspace, name, err)
		return
	}
	timer := time.NewTimer(eventEnqueueTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- raw:
	case <-timer.C:
		n := s.eventsDropped.Add(1)
		logger.Warnf("session %s: dropped event %s (backpressure, %d total)", s.workspace, name, n)
	case <-s.ctx.Done():
	}
}

func actionTimeout(action string) time.Duration {
	switch action {
	case "spawn":
		return spawnTimeout
	case "exec-monitor":
		return execMonitorTimeout
	default:
		return defaultRequestTimeout
	}
}

func (s *Session) handleRaw(raw []byte) {
	defer s.wg.Done()

	msg, err := wire.ParseMessage(raw)
	if err != nil {
		id := uint64(0)
		if msg != nil {
			id = msg.ID
		}
		s.sendResponse(wire.Failure(id, err))
		return
	}
	if err := wire.CheckVersion(msg.Version); err != nil {
		s.sendResponse(wire.Failure(msg.ID, err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, actionTimeout(msg.Action))
	defer cancel()

	data, err := s.dispatch(ctx, msg)
	if err != nil {
		s.sendResponse(wire.Failure(msg.ID, err))
		return
	}
	s.sendResponse(wire.Success(msg.ID, data))
}

// onEngineExit runs on the supervisor's reaper goroutine whenever the engine
// terminates, regardless of who initiated it.
func (s *Session) onEngineExit(status engine.ExitStatus) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateEngineDown
	monitor := s.monitor
	s.monitor = nil
	bridges := make([]*bridge.Bridge, 0, len(s.bridges))
	for b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.bridges = make(map[*bridge.Bridge]struct{})
	s.endpoints = nil
	s.mu.Unlock()

	if monitor != nil {
		monitor.Close()
	}
	for _, b := range bridges {
		b.Close()
	}
	if s.registry != nil {
		s.registry.UnregisterAll(s.workspace)
	}
	s.Emit("renode-quitted", status)
}

// requireMonitor returns the live monitor connection or engine-not-running.
func (s *Session) requireMonitor() (*engine.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEngineRunning || s.monitor == nil {
		return nil, wire.ErrEngineNotRunning
	}
	return s.monitor, nil
}

func freeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}
