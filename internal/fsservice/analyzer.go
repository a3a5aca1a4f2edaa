package fsservice

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

var showAnalyzerRe = regexp.MustCompile(`^showAnalyzer ([a-zA-Z0-9_.]+)`)

// ReplaceAnalyzer rewrites every `showAnalyzer <peripheral>` line of a
// sandboxed script so the peripheral's output goes to a server socket
// terminal on the given port instead of a GUI analyzer window.
func (s *Service) ReplaceAnalyzer(path string, port int) (*wire.PathResult, error) {
	full, err := s.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, wire.FromOSError(err)
	}

	replacement := fmt.Sprintf(`emulation CreateServerSocketTerminal %d "term"; connector Connect $1 term`, port)
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = showAnalyzerRe.ReplaceAllString(line, replacement)
	}

	if _, err := s.Upload(s.root.Relative(full), []byte(strings.Join(lines, "\n"))); err != nil {
		return nil, err
	}
	return &wire.PathResult{Path: s.root.Relative(full)}, nil
}
