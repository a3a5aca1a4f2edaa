package config

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// DefaultPort is the WebSocket listen port used when no -p flag is given.
const DefaultPort = 21234

// Config holds proxy configuration. It is read once at startup and treated as
// immutable afterwards.
type Config struct {
	// Addr is the listen address for the WebSocket server.
	Addr string
	// RenodeBinary is the resolved path of the engine executable.
	RenodeBinary string
	// ExecutionDir is the sandbox root all sessions operate under.
	ExecutionDir string
	// GDBBinary is the resolved gdb path. When non-empty, spawn binds a GDB
	// server port and advertises it as a /run endpoint; the binary itself is
	// not executed by the proxy.
	GDBBinary string
	// GUIDisabled forbids GUI launches regardless of the spawn payload.
	GUIDisabled bool
	// GUIForced forces GUI on and suppresses engine telnet (legacy knob).
	GUIForced bool
	// MonitorForwardingDisabled silences the debug log line written for each
	// protocol-driven monitor command. Commands are never echoed to the
	// interactive monitor shell.
	MonitorForwardingDisabled bool
	Debug                     bool
}

// Overrides optionally overrides values read from the environment.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Port                      *int
	GDBBinary                 *string
	GUIDisabled               *bool
	MonitorForwardingDisabled *bool
	Debug                     *bool
}

func envBool(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "yes", "TRUE", "YES", "True", "Yes":
		return true
	}
	return false
}

// Load builds proxy configuration from positional CLI arguments, environment
// variables and explicit overrides.
func Load(renodeBinary, executionDir string, overrides Overrides) (*Config, error) {
	binary, err := exec.LookPath(renodeBinary)
	if err != nil {
		return nil, fmt.Errorf("%s is not a file or cannot be executed", renodeBinary)
	}

	info, err := os.Stat(executionDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", executionDir)
	}

	port := DefaultPort
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	if overrides.Port != nil {
		port = *overrides.Port
	}

	gdb := ""
	if overrides.GDBBinary != nil && *overrides.GDBBinary != "" {
		if gdb, err = exec.LookPath(*overrides.GDBBinary); err != nil {
			return nil, fmt.Errorf("%s is not a file or cannot be executed", *overrides.GDBBinary)
		}
	} else if overrides.GDBBinary != nil {
		// An explicitly empty -g value: probe the well-known names.
		for _, candidate := range []string{"gdb-multiarch", "gdb"} {
			if found, err := exec.LookPath(candidate); err == nil {
				gdb = found
				break
			}
		}
		if gdb == "" {
			return nil, fmt.Errorf("could not detect any gdb in PATH; pass an explicit path with -g")
		}
	}

	guiDisabled := envBool("RENODE_PROXY_GUI_DISABLED")
	if overrides.GUIDisabled != nil {
		guiDisabled = *overrides.GUIDisabled
	}

	monitorForwardingDisabled := envBool("RENODE_PROXY_MONITOR_FORWARDING_DISABLED")
	if overrides.MonitorForwardingDisabled != nil {
		monitorForwardingDisabled = *overrides.MonitorForwardingDisabled
	}

	debug := envBool("DEBUG")
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:                      fmt.Sprintf(":%d", port),
		RenodeBinary:              binary,
		ExecutionDir:              executionDir,
		GDBBinary:                 gdb,
		GUIDisabled:               guiDisabled,
		GUIForced:                 envBool("RENODE_HYPERVISOR_GUI_ENABLED"),
		MonitorForwardingDisabled: monitorForwardingDisabled,
		Debug:                     debug,
	}, nil
}
