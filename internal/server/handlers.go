package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/labstream/modctl/internal/protocol"
	"github.com/labstream/modctl/internal/registry"
)

func (s *Server) handleStart(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: usage: start <name> [args...]", protocol.ErrMalformedCommand)
	}
	name := args[0]

	builder, ok := s.builders[name]
	if !ok {
		return "", fmt.Errorf("%w: no definition for %s", registry.ErrUnknownWorker, name)
	}

	if err := s.registry.RegisterAndStart(ctx, name, builder, args[1:]); err != nil {
		return "", err
	}
	return "started " + name, nil
}

func (s *Server) handleStop(_ context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: usage: stop <name>", protocol.ErrMalformedCommand)
	}
	name := args[0]

	if err := s.registry.Stop(name, s.cfg.StopTimeout); err != nil {
		return "", err
	}
	return "stopped " + name, nil
}

func (s *Server) handleStatus(_ context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: usage: status <name>", protocol.ErrMalformedCommand)
	}

	state, err := s.registry.Status(args[0])
	if err != nil {
		return "", err
	}
	return string(state), nil
}

func (s *Server) handleList(_ context.Context, _ []string) (string, error) {
	infos := s.registry.List()
	rows := make([]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, fmt.Sprintf("%s=%s", info.Name, info.State))
	}
	return strings.Join(rows, " "), nil
}

func (s *Server) handlePing(_ context.Context, _ []string) (string, error) {
	return "pong", nil
}

// handleCommands lists every dispatchable command so an orchestrator can
// discover module-specific extensions.
func (s *Server) handleCommands(_ context.Context, _ []string) (string, error) {
	names := make([]string, 0, len(s.dispatch))
	for name := range s.dispatch {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " "), nil
}

func (s *Server) handleStopAll(_ context.Context, _ []string) (string, error) {
	if err := s.registry.ShutdownAll(s.cfg.StopTimeout); err != nil {
		return "", err
	}
	return "stopped all", nil
}

func (s *Server) handleQuit(_ context.Context, _ []string) (string, error) {
	return "bye", errQuit
}
