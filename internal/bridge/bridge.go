// Package bridge shuttles bytes between a TCP endpoint and a WebSocket peer.
package bridge

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antmicro/renode-ws-proxy/internal/logger"
)

// Kind labels what a bridged endpoint carries.
type Kind string

const (
	KindMonitorTelnet  Kind = "monitor-telnet"
	KindUART           Kind = "uart"
	KindGDBRun         Kind = "gdb-run"
	KindAnalyzerSocket Kind = "analyzer-socket"
)

// Endpoint is an advertised TCP endpoint a client may attach a WebSocket to.
type Endpoint struct {
	Kind Kind
	// Port is the local TCP port of the endpoint.
	Port int
	// Machine and Name identify UART endpoints.
	Machine string
	Name    string
}

// Route returns the WS route path clients use to reach the endpoint.
func (e Endpoint) Route() string {
	if e.Kind == KindUART {
		return "/uart/" + e.Machine + "/" + e.Name
	}
	return "/run/" + strconv.Itoa(e.Port)
}

const (
	defaultHighWater   = 1 << 20 // 1 MiB
	defaultLowWater    = 256 << 10
	defaultReadBuf     = 4 << 10
	defaultPingPeriod  = 30 * time.Second
	defaultMaxMissed   = 3
	defaultWriteWindow = 10 * time.Second
)

// Options tune a bridge's buffering and liveness checks. Zero values pick the
// defaults.
type Options struct {
	HighWater  int
	LowWater   int
	ReadBuf    int
	PingPeriod time.Duration
	MaxMissed  int
}

func (o Options) withDefaults() Options {
	if o.HighWater == 0 {
		o.HighWater = defaultHighWater
	}
	if o.LowWater == 0 {
		o.LowWater = defaultLowWater
	}
	if o.ReadBuf == 0 {
		o.ReadBuf = defaultReadBuf
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = defaultPingPeriod
	}
	if o.MaxMissed == 0 {
		o.MaxMissed = defaultMaxMissed
	}
	return o
}

// Bridge is one live TCP⇄WS pairing. Both pumps run until either side closes
// or errors; Wait returns after teardown completes.
type Bridge struct {
	ws   *websocket.Conn
	tcp  net.Conn
	opts Options

	toWS  *byteQueue // TCP reads waiting for the WS writer
	toTCP *byteQueue // WS frames waiting for the TCP writer

	wsWriteMu sync.Mutex
	missed    atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

// New pairs an accepted WebSocket with a connected TCP endpoint and starts
// both pumps.
func New(ws *websocket.Conn, tcp net.Conn, opts Options) *Bridge {
	opts = opts.withDefaults()
	b := &Bridge{
		ws:    ws,
		tcp:   tcp,
		opts:  opts,
		toWS:  newByteQueue(opts.HighWater, opts.LowWater),
		toTCP: newByteQueue(opts.HighWater, opts.LowWater),
		done:  make(chan struct{}),
	}

	b.ws.SetPongHandler(func(string) error {
		b.missed.Store(0)
		return nil
	})

	go b.pumpTCPToQueue()
	go b.pumpQueueToWS()
	go b.pumpWSToQueue()
	go b.pumpQueueToTCP()
	go b.pingLoop()
	return b
}

// Wait blocks until the bridge has fully torn down.
func (b *Bridge) Wait() {
	<-b.done
}

// Close tears the bridge down from outside (session shutdown).
func (b *Bridge) Close() {
	b.teardown("closed by owner")
}

func (b *Bridge) teardown(reason string) {
	b.closeOnce.Do(func() {
		logger.Debugf("bridge: teardown (%s)", reason)
		b.toWS.Close()
		b.toTCP.Close()
		b.wsWriteMu.Lock()
		b.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		b.wsWriteMu.Unlock()
		b.ws.Close()
		b.tcp.Close()
		close(b.done)
	})
}

// pumpTCPToQueue coalesces TCP reads into outbound WS frames.
func (b *Bridge) pumpTCPToQueue() {
	buf := make([]byte, b.opts.ReadBuf)
	for {
		n, err := b.tcp.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !b.toWS.Push(chunk) {
				return
			}
		}
		if err != nil {
			b.halfCloseFromTCP()
			return
		}
	}
}

func (b *Bridge) pumpQueueToWS() {
	for {
		chunk, ok := b.toWS.Pop()
		if !ok {
			return
		}
		b.wsWriteMu.Lock()
		err := b.ws.WriteMessage(websocket.BinaryMessage, chunk)
		b.wsWriteMu.Unlock()
		if err != nil {
			b.teardown("ws write: " + err.Error())
			return
		}
	}
}

// pumpWSToQueue turns each inbound binary frame into one TCP write.
func (b *Bridge) pumpWSToQueue() {
	for {
		_, frame, err := b.ws.ReadMessage()
		if err != nil {
			b.halfCloseFromWS()
			return
		}
		if len(frame) == 0 {
			continue
		}
		if !b.toTCP.Push(frame) {
			return
		}
	}
}

func (b *Bridge) pumpQueueToTCP() {
	for {
		chunk, ok := b.toTCP.Pop()
		if !ok {
			return
		}
		if _, err := b.tcp.Write(chunk); err != nil {
			b.teardown("tcp write: " + err.Error())
			return
		}
	}
}

// halfCloseFromTCP reacts to TCP EOF: stop feeding the WS and close the
// write half towards the client once queued bytes drain.
func (b *Bridge) halfCloseFromTCP() {
	b.toWS.Close()
	// Remaining queued chunks are still flushed by pumpQueueToWS; give the
	// peer a moment, then finish.
	go func() {
		deadline := time.After(defaultWriteWindow)
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				b.teardown("tcp eof, flush timeout")
				return
			case <-tick.C:
				if b.toWS.Queued() == 0 {
					b.teardown("tcp eof")
					return
				}
			case <-b.done:
				return
			}
		}
	}()
}

// halfCloseFromWS reacts to the WS peer going away: flush what the TCP side
// still owes, then tear down.
func (b *Bridge) halfCloseFromWS() {
	b.toTCP.Close()
	go func() {
		deadline := time.After(defaultWriteWindow)
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				b.teardown("ws closed, flush timeout")
				return
			case <-tick.C:
				if b.toTCP.Queued() == 0 {
					if tcp, ok := b.tcp.(*net.TCPConn); ok {
						tcp.CloseWrite()
					}
					b.teardown("ws closed")
					return
				}
			case <-b.done:
				return
			}
		}
	}()
}

func (b *Bridge) pingLoop() {
	ticker := time.NewTicker(b.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if int(b.missed.Add(1)) > b.opts.MaxMissed {
				b.teardown("missed pongs")
				return
			}
			b.wsWriteMu.Lock()
			err := b.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			b.wsWriteMu.Unlock()
			if err != nil {
				b.teardown("ping: " + err.Error())
				return
			}
		}
	}
}
