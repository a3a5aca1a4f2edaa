package session

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/antmicro/renode-ws-proxy/internal/bridge"
	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/fsservice"
	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// TestMain doubles as a fake engine when re-executed by the wrapper script
// from fakeEngine: it serves both the plain console protocol and the
// structured JSON dialect on its monitor port.
func TestMain(m *testing.M) {
	if os.Getenv("FAKE_ENGINE") == "1" {
		runFakeEngine()
		return
	}
	os.Exit(m.Run())
}

func runFakeEngine() {
	var port int
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "-P" && i+1 < len(args) {
			port, _ = strconv.Atoi(args[i+1])
		}
	}
	if port == 0 {
		select {}
	}
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		os.Exit(1)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			os.Exit(0)
		}
		go serveFakeConsole(conn)
	}
}

func serveFakeConsole(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			var req struct {
				Command string `json:"command"`
			}
			json.Unmarshal([]byte(trimmed), &req)
			switch req.Command {
			case "machines":
				fmt.Fprintln(conn, `{"status":"success","data":["machine-0"]}`)
			case "uarts":
				fmt.Fprintln(conn, `{"status":"success","data":["sysbus.uart0"]}`)
			default:
				fmt.Fprintln(conn, `{"status":"failure","error":"unknown command"}`)
			}
			continue
		}
		conn.Write([]byte("ok\n(monitor) "))
	}
}

func fakeEngine(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	script := filepath.Join(t.TempDir(), "renode")
	body := fmt.Sprintf("#!/bin/sh\nexport FAKE_ENGINE=1\nexec %q \"$@\"\n", self)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// recordingRegistry captures advertised endpoints.
type recordingRegistry struct {
	mu        sync.Mutex
	endpoints []bridge.Endpoint
}

func (r *recordingRegistry) Register(workspace string, ep bridge.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, ep)
}

func (r *recordingRegistry) UnregisterAll(workspace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = nil
}

func (r *recordingRegistry) list() []bridge.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bridge.Endpoint(nil), r.endpoints...)
}

// client wraps the control WebSocket, demultiplexing responses from events.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	mu     sync.Mutex
	resps  map[uint64]wire.Response
	events []wireEvent
	cond   *sync.Cond
	closed bool
}

type wireEvent struct {
	Version string          `json:"version"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func newClient(t *testing.T, conn *websocket.Conn) *client {
	c := &client{t: t, conn: conn, resps: make(map[uint64]wire.Response)}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()
	return c
}

func (c *client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		var probe struct {
			ID    *uint64 `json:"id"`
			Event string  `json:"event"`
		}
		if json.Unmarshal(raw, &probe) != nil {
			continue
		}
		c.mu.Lock()
		if probe.Event != "" {
			var evt wireEvent
			json.Unmarshal(raw, &evt)
			c.events = append(c.events, evt)
		} else if probe.ID != nil {
			var resp wire.Response
			json.Unmarshal(raw, &resp)
			c.resps[resp.ID] = resp
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

func (c *client) send(id uint64, action string, payload any, version string) {
	raw, err := json.Marshal(map[string]any{
		"version": version,
		"id":      id,
		"action":  action,
		"payload": payload,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *client) await(id uint64, timeout time.Duration) wire.Response {
	deadline := time.Now().Add(timeout)
	done := make(chan wire.Response, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for {
			if resp, ok := c.resps[id]; ok {
				delete(c.resps, id)
				done <- resp
				return
			}
			if c.closed || time.Now().After(deadline) {
				return
			}
			c.cond.Wait()
		}
	}()
	select {
	case resp := <-done:
		return resp
	case <-time.After(timeout):
		c.t.Fatalf("no response for id %d", id)
		return wire.Response{}
	}
}

func (c *client) call(id uint64, action string, payload any) wire.Response {
	c.send(id, action, payload, wire.ProtocolVersion)
	return c.await(id, 15*time.Second)
}

func (c *client) awaitEvent(name string, timeout time.Duration) (wireEvent, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, evt := range c.events {
			if evt.Event == name {
				c.mu.Unlock()
				return evt, true
			}
		}
		c.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	return wireEvent{}, false
}

type fixture struct {
	client   *client
	session  *Session
	registry *recordingRegistry
	root     string
}

// startSession wires a real control WebSocket to a Session running in-process.
func startSession(t *testing.T) *fixture {
	t.Helper()

	rootDir := t.TempDir()
	root, err := sandbox.New(rootDir)
	require.NoError(t, err)
	fs := fsservice.New(root, t.TempDir())

	cfg := &config.Config{
		RenodeBinary: fakeEngine(t),
		ExecutionDir: rootDir,
		GUIDisabled:  true,
	}
	registry := &recordingRegistry{}

	sessCh := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New("test-ws", conn, cfg, fs, registry)
		sessCh <- sess
		sess.Run()
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	var sess *Session
	select {
	case sess = <-sessCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session not created")
	}
	t.Cleanup(sess.Close)

	return &fixture{client: newClient(t, conn), session: sess, registry: registry, root: root.Path()}
}

func TestUploadDownloadOverWire(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "fs/mkdir", map[string]any{"args": []string{"a"}})
	require.Equal(t, wire.StatusSuccess, resp.Status)

	resp = f.client.call(2, "fs/upld", map[string]any{"args": []string{"a/b.bin"}, "data": "aGVsbG8="})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, wire.ProtocolVersion, resp.Version)

	resp = f.client.call(3, "fs/dwnl", map[string]any{"args": []string{"a/b.bin"}})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, "aGVsbG8=", resp.Data)

	decoded, err := base64.StdEncoding.DecodeString(resp.Data.(string))
	require.NoError(t, err)
	require.Equal(t, "hello", string(decoded))
}

func TestPathEscapeOverWire(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "fs/list", map[string]any{"args": []string{"../.."}})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Equal(t, "path-escape", resp.Error)
}

func TestVersionMismatch(t *testing.T) {
	f := startSession(t)

	f.client.send(1, "fs/list", map[string]any{"args": []string{""}}, "9.0.0")
	resp := f.client.await(1, 5*time.Second)
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Equal(t, "version-mismatch", resp.Error)
}

func TestUnsupportedAction(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "frobnicate", map[string]any{})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "unsupported-action")
}

func TestMalformedEnvelope(t *testing.T) {
	f := startSession(t)

	require.NoError(t, f.client.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := f.client.await(0, 5*time.Second)
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "bad-request")
}

func TestConcurrentRequestsPreserveIDs(t *testing.T) {
	f := startSession(t)

	for _, id := range []uint64{10, 11, 12} {
		f.client.send(id, "fs/list", map[string]any{"args": []string{""}}, wire.ProtocolVersion)
	}
	for _, id := range []uint64{10, 11, 12} {
		resp := f.client.await(id, 10*time.Second)
		require.Equal(t, id, resp.ID)
		require.Equal(t, wire.StatusSuccess, resp.Status)
	}
}

func TestStatusHeartbeat(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "status", map[string]any{})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	data := resp.Data.(map[string]any)
	require.Equal(t, wire.ProtocolVersion, data["version"])
	require.Equal(t, string(StateConnected), data["state"])
}

func TestEngineActionsRequireEngine(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "exec-monitor", map[string]any{"commands": []string{"version"}})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "engine-not-running")

	resp = f.client.call(2, "kill", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "engine-not-running")

	resp = f.client.call(3, "tweak/socket", map[string]any{"args": []string{"run.resc"}})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "engine-not-running")
}

func TestSpawnKillLifecycle(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "spawn", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, StateEngineRunning, f.session.State())

	// Discovery against the fake engine advertises one UART.
	evt, ok := f.client.awaitEvent("uart-opened", 10*time.Second)
	require.True(t, ok, "uart-opened not emitted")
	var uart wire.UARTOpenedEvent
	require.NoError(t, json.Unmarshal(evt.Data, &uart))
	require.Equal(t, "machine-0", uart.MachineName)
	require.Equal(t, "sysbus.uart0", uart.Name)
	require.NotZero(t, uart.Port)
	require.NotEmpty(t, f.registry.list())

	// A second spawn is refused while the engine lives.
	resp = f.client.call(2, "spawn", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusFailure, resp.Status)
	require.Contains(t, resp.Error, "engine-busy")

	resp = f.client.call(3, "kill", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)

	_, ok = f.client.awaitEvent("renode-quitted", 5*time.Second)
	require.True(t, ok, "renode-quitted not emitted")

	// Spawn after kill works again.
	resp = f.client.call(4, "spawn", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	resp = f.client.call(5, "kill", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)
}

func TestExecMonitorRoundTrip(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "spawn", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)

	resp = f.client.call(2, "exec-monitor", map[string]any{"commands": []string{"version"}})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	outputs, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, outputs, 1)
	require.Equal(t, "ok", outputs[0])
}

func TestControlCloseKillsEngine(t *testing.T) {
	f := startSession(t)

	resp := f.client.call(1, "spawn", map[string]any{"name": "renode"})
	require.Equal(t, wire.StatusSuccess, resp.Status)

	f.client.conn.Close()

	require.Eventually(t, func() bool {
		return f.session.State() == StateClosed
	}, 10*time.Second, 50*time.Millisecond)
	require.Empty(t, f.registry.list())
}

func TestCommandAction(t *testing.T) {
	f := startSession(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "marker.txt"), []byte("x"), 0o644))

	resp := f.client.call(1, "command", map[string]any{"name": "ls marker.txt"})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	data := resp.Data.(map[string]any)
	require.Contains(t, data["stdout"], "marker.txt")
}
