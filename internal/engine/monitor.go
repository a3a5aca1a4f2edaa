package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// DefaultCommandTimeout bounds a single monitor command.
const DefaultCommandTimeout = 60 * time.Second

// promptToken marks the end of a monitor response. The engine prints its
// prompt on a fresh line once a command has finished.
const promptToken = "(monitor)"

// Monitor speaks the engine's line-oriented console protocol over the
// monitor TCP port. One outstanding command at a time; a per-request mutex
// serializes callers.
type Monitor struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	// forwardingDisabled silences the debug log line written for each
	// console command. Commands are never echoed to the interactive shell.
	forwardingDisabled bool
}

// DialMonitor connects to the engine's monitor port.
func DialMonitor(ctx context.Context, addr string, forwardingDisabled bool) (*Monitor, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wire.Errf(wire.ErrEngineNotRunning, err.Error())
	}
	m := &Monitor{
		conn:               conn,
		reader:             bufio.NewReader(conn),
		forwardingDisabled: forwardingDisabled,
	}
	m.drainBanner()
	return m, nil
}

// drainBanner discards the greeting and prompt the console prints on
// connect, so the first command's response is not cut short by a stale
// prompt token.
func (m *Monitor) drainBanner() {
	m.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer m.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 4096)
	for {
		if _, err := m.conn.Read(buf); err != nil {
			return
		}
	}
}

// Close releases the monitor connection and wakes any blocked command.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

func (m *Monitor) deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

// Execute sends one console command and collects response lines until the
// prompt token is observed.
func (m *Monitor) Execute(ctx context.Context, command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.deadlineFrom(ctx, DefaultCommandTimeout)
	m.conn.SetDeadline(deadline)
	defer m.conn.SetDeadline(time.Time{})

	if !m.forwardingDisabled {
		logger.Debugf("monitor: executing %q", command)
	}
	if _, err := m.conn.Write([]byte(command + "\n")); err != nil {
		return "", wire.Errf(wire.ErrEngineNotRunning, err.Error())
	}

	var out strings.Builder
	for {
		c, err := m.reader.ReadByte()
		if err == nil {
			out.WriteByte(c)
		}
		if text := out.String(); strings.HasSuffix(text, promptToken) {
			return strings.TrimSpace(strings.TrimSuffix(text, promptToken)), nil
		}
		if err != nil {
			if isTimeout(err) {
				return "", wire.ErrTimeout
			}
			return "", wire.Errf(wire.ErrEngineNotRunning, err.Error())
		}
	}
}

type structuredRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type structuredResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecuteStructured sends one JSON-dialect command line and decodes the
// single JSON response line. Interleaved console noise is skipped.
func (m *Monitor) ExecuteStructured(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.deadlineFrom(ctx, DefaultCommandTimeout)
	m.conn.SetDeadline(deadline)
	defer m.conn.SetDeadline(time.Time{})

	payload, err := json.Marshal(structuredRequest{Command: command, Args: args})
	if err != nil {
		return nil, wire.Errf(wire.ErrBadRequest, err.Error())
	}
	logger.Debugf("monitor: executing structured %s", command)
	if _, err := m.conn.Write(append(payload, '\n')); err != nil {
		return nil, wire.Errf(wire.ErrEngineNotRunning, err.Error())
	}

	for {
		line, err := m.reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			var resp structuredResponse
			if jsonErr := json.Unmarshal([]byte(trimmed), &resp); jsonErr == nil {
				if resp.Status != wire.StatusSuccess {
					return nil, wire.Errf(wire.ErrIO, resp.Error)
				}
				return resp.Data, nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				return nil, wire.ErrTimeout
			}
			return nil, wire.Errf(wire.ErrEngineNotRunning, err.Error())
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
