package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antmicro/renode-ws-proxy/internal/bridge"
	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

const uartDiscoveryBudget = 30 * time.Second

// discoverUARTs asks the freshly started engine which machines and UARTs it
// has, exposes every UART through a server socket terminal, registers a
// bridge endpoint for each and announces them with uart-opened events.
func (s *Session) discoverUARTs() {
	ctx, cancel := context.WithTimeout(s.ctx, uartDiscoveryBudget)
	defer cancel()

	monitor, err := s.requireMonitor()
	if err != nil {
		return
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	data, err := monitor.ExecuteStructured(ctx, "machines", nil)
	if err != nil {
		logger.Warnf("session %s: machine discovery failed: %v", s.workspace, err)
		return
	}
	var machines []string
	if err := json.Unmarshal(data, &machines); err != nil {
		logger.Warnf("session %s: machine discovery returned %s", s.workspace, data)
		return
	}

	for _, machine := range machines {
		args, _ := json.Marshal(map[string]string{"machine": machine})
		data, err := monitor.ExecuteStructured(ctx, "uarts", args)
		if err != nil {
			logger.Warnf("session %s: uart discovery for %s failed: %v", s.workspace, machine, err)
			continue
		}
		var uarts []string
		if err := json.Unmarshal(data, &uarts); err != nil {
			logger.Warnf("session %s: uart discovery for %s returned %s", s.workspace, machine, data)
			continue
		}

		for _, uart := range uarts {
			port, err := s.exposeUART(ctx, monitor, machine, uart)
			if err != nil {
				logger.Warnf("session %s: exposing %s/%s failed: %v", s.workspace, machine, uart, err)
				continue
			}
			s.registerEndpoint(bridge.Endpoint{
				Kind:    bridge.KindUART,
				Port:    port,
				Machine: machine,
				Name:    uart,
			})
			s.Emit("uart-opened", wire.UARTOpenedEvent{
				Port:        port,
				Name:        uart,
				MachineName: machine,
			})
		}
	}
}

// exposeUART connects one UART to a server socket terminal on a fresh local
// port.
func (s *Session) exposeUART(ctx context.Context, monitor monitorExecutor, machine, uart string) (int, error) {
	port, err := freeTCPPort()
	if err != nil {
		return 0, err
	}
	terminal := fmt.Sprintf("ws_uart_%d", port)
	commands := []string{
		fmt.Sprintf("mach set %q", machine),
		fmt.Sprintf("emulation CreateServerSocketTerminal %d %q false", port, terminal),
		fmt.Sprintf("connector Connect %s %s", uart, terminal),
	}
	for _, command := range commands {
		if _, err := monitor.Execute(ctx, command); err != nil {
			return 0, err
		}
	}
	return port, nil
}

// monitorExecutor is the slice of the monitor client UART exposure needs.
type monitorExecutor interface {
	Execute(ctx context.Context, command string) (string, error)
}
