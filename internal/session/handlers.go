package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/antmicro/renode-ws-proxy/internal/bridge"
	"github.com/antmicro/renode-ws-proxy/internal/engine"
	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// dispatch routes one validated request to its handler. Unknown actions are
// unsupported-action, never a silent no-op.
func (s *Session) dispatch(ctx context.Context, msg *wire.Message) (any, error) {
	switch msg.Action {
	case "spawn":
		return s.handleSpawn(ctx, msg.Payload)
	case "kill":
		return s.handleKill(ctx, msg.Payload)
	case "status":
		return s.handleStatus(msg.Payload)
	case "exec-monitor":
		return s.handleExecMonitor(ctx, msg.Payload)
	case "exec-renode":
		return s.handleExecRenode(ctx, msg.Payload)
	case "command":
		return s.handleCommand(ctx, msg.Payload)
	case "tweak/socket":
		return s.handleTweakSocket(msg.Payload)
	case "fs/list", "fs/stat", "fs/dwnl", "fs/upld", "fs/mkdir",
		"fs/remove", "fs/move", "fs/copy", "fs/zip", "fs/fetch":
		return s.handleFS(ctx, msg.Action, msg.Payload)
	default:
		return nil, wire.Errf(wire.ErrUnsupported, msg.Action)
	}
}

func decodePayload[T any](raw json.RawMessage) (*T, error) {
	var payload T
	if len(raw) == 0 {
		return nil, wire.Errf(wire.ErrBadRequest, "missing payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, wire.Errf(wire.ErrBadRequest, err.Error())
	}
	return &payload, nil
}

func (s *Session) handleSpawn(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.SpawnPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.Name != "renode" {
		return nil, wire.Errf(wire.ErrBadRequest, "spawning "+payload.Name+" is not supported")
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, wire.ErrBusy
	case StateEngineStarting, StateEngineRunning:
		s.mu.Unlock()
		return nil, wire.ErrEngineBusy
	}
	s.state = StateEngineStarting
	s.mu.Unlock()

	fail := func(err error) (any, error) {
		s.mu.Lock()
		if s.state == StateEngineStarting {
			s.state = StateEngineDown
		}
		s.mu.Unlock()
		return nil, err
	}

	cwd, err := s.fs.Root().Resolve(payload.CWD)
	if err != nil {
		return fail(err)
	}
	if err := s.fs.Mkdir(payload.CWD); err != nil {
		return fail(err)
	}

	spec := engine.SpawnSpec{CWD: cwd, GUI: payload.GUI}
	if s.cfg.GDBBinary != "" {
		if spec.GDBPort, err = freeTCPPort(); err != nil {
			return fail(wire.Errf(wire.ErrSpawnFailed, err.Error()))
		}
	}

	handle, err := s.sup.Spawn(ctx, spec)
	if err != nil {
		return fail(err)
	}

	monitor, err := engine.DialMonitor(ctx, handle.MonitorAddr, s.cfg.MonitorForwardingDisabled)
	if err != nil {
		s.sup.Kill(context.Background())
		return fail(wire.Errf(wire.ErrSpawnFailed, err.Error()))
	}

	s.mu.Lock()
	s.state = StateEngineRunning
	s.monitor = monitor
	s.mu.Unlock()

	if spec.GDBPort != 0 {
		s.registerEndpoint(bridge.Endpoint{Kind: bridge.KindGDBRun, Port: spec.GDBPort})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.discoverUARTs()
	}()

	return struct{}{}, nil
}

func (s *Session) handleKill(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.KillPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.Name != "renode" {
		return nil, wire.Errf(wire.ErrBadRequest, "killing "+payload.Name+" is not supported")
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	s.mu.Lock()
	monitor := s.monitor
	s.monitor = nil
	s.mu.Unlock()
	if monitor != nil {
		monitor.Close()
	}

	if err := s.sup.Kill(ctx); err != nil {
		return nil, err
	}

	// The exit watcher also flips the state, but a caller must be able to
	// spawn again the moment kill has returned.
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateEngineDown
	}
	s.mu.Unlock()
	return struct{}{}, nil
}

func (s *Session) handleStatus(raw json.RawMessage) (any, error) {
	payload := &wire.StatusPayload{}
	if len(raw) > 0 {
		var err error
		if payload, err = decodePayload[wire.StatusPayload](raw); err != nil {
			return nil, err
		}
	}

	switch payload.Name {
	case "":
		return wire.StatusResult{Version: wire.ProtocolVersion, State: string(s.State())}, nil
	case "renode":
		if s.State() != StateEngineRunning {
			return nil, wire.Errf(wire.ErrEngineNotRunning, "Renode not started")
		}
		return struct{}{}, nil
	case "telnet":
		if handle := s.sup.Handle(); handle != nil {
			return []int{handle.MonitorPort}, nil
		}
		return nil, wire.Errf(wire.ErrEngineNotRunning, "no telnet connections")
	case "run":
		ports := s.endpointPorts(bridge.KindGDBRun, bridge.KindAnalyzerSocket)
		if len(ports) == 0 {
			return nil, wire.Errf(wire.ErrEngineNotRunning, "no stream connections")
		}
		return ports, nil
	default:
		return nil, wire.Errf(wire.ErrBadRequest, "status for "+payload.Name+" is not supported")
	}
}

func (s *Session) handleExecMonitor(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.ExecMonitorPayload](raw)
	if err != nil {
		return nil, err
	}
	if len(payload.Commands) == 0 {
		return nil, wire.Errf(wire.ErrBadRequest, "no commands")
	}
	monitor, err := s.requireMonitor()
	if err != nil {
		return nil, err
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	outputs := make([]string, 0, len(payload.Commands))
	for _, command := range payload.Commands {
		out, err := monitor.Execute(ctx, command)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (s *Session) handleExecRenode(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.ExecRenodePayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, wire.Errf(wire.ErrBadRequest, "missing command")
	}
	monitor, err := s.requireMonitor()
	if err != nil {
		return nil, err
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	data, err := monitor.ExecuteStructured(ctx, payload.Command, payload.Args)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Session) handleCommand(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.CommandPayload](raw)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(payload.Name)
	if len(parts) == 0 {
		return nil, wire.Errf(wire.ErrBadRequest, "empty command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = s.fs.Root().Path()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Infof("session %s: executing %v", s.workspace, parts)
	runErr := cmd.Run()
	result := wire.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, wire.ErrTimeout
		}
		return nil, wire.Errf(wire.ErrIO, runErr.Error())
	}
	return result, nil
}

func (s *Session) handleTweakSocket(raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.FSPayload](raw)
	if err != nil {
		return nil, err
	}
	if len(payload.Args) < 1 {
		return nil, wire.Errf(wire.ErrBadRequest, "bad payload")
	}
	if s.State() != StateEngineRunning {
		return nil, wire.ErrEngineNotRunning
	}

	port, err := freeTCPPort()
	if err != nil {
		return nil, wire.Errf(wire.ErrIO, err.Error())
	}
	result, err := s.fs.ReplaceAnalyzer(payload.Args[0], port)
	if err != nil {
		return nil, err
	}
	s.registerEndpoint(bridge.Endpoint{Kind: bridge.KindAnalyzerSocket, Port: port})
	return map[string]any{"path": result.Path, "port": port}, nil
}

func (s *Session) handleFS(ctx context.Context, action string, raw json.RawMessage) (any, error) {
	payload, err := decodePayload[wire.FSPayload](raw)
	if err != nil {
		return nil, err
	}
	need := 1
	if action == "fs/move" || action == "fs/copy" {
		need = 2
	}
	if len(payload.Args) < need {
		return nil, wire.Errf(wire.ErrBadRequest, "bad payload")
	}

	switch action {
	case "fs/list":
		return s.fs.List(payload.Args[0])
	case "fs/stat":
		return s.fs.Stat(payload.Args[0])
	case "fs/dwnl":
		data, err := s.fs.Download(payload.Args[0])
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(data), nil
	case "fs/upld":
		data, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return nil, wire.Errf(wire.ErrBadRequest, "invalid base64 data")
		}
		return s.fs.Upload(payload.Args[0], data)
	case "fs/mkdir":
		if err := s.fs.Mkdir(payload.Args[0]); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case "fs/remove":
		return s.fs.Remove(payload.Args[0])
	case "fs/move":
		return s.fs.Move(payload.Args[0], payload.Args[1])
	case "fs/copy":
		return s.fs.Copy(payload.Args[0], payload.Args[1])
	case "fs/zip":
		return s.fs.ZipFetch(ctx, payload.Args[0])
	case "fs/fetch":
		return s.fs.Fetch(ctx, payload.Args[0])
	}
	return nil, wire.Errf(wire.ErrUnsupported, action)
}

func (s *Session) registerEndpoint(ep bridge.Endpoint) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Register(s.workspace, ep)
	}
}

func (s *Session) endpointPorts(kinds ...bridge.Kind) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ports []int
	for _, ep := range s.endpoints {
		for _, kind := range kinds {
			if ep.Kind == kind {
				ports = append(ports, ep.Port)
			}
		}
	}
	return ports
}
