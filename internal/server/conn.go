package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/labstream/modctl/internal/protocol"
	"github.com/labstream/modctl/internal/registry"
	"github.com/labstream/modctl/internal/worker"
)

// errQuit signals an explicit client disconnect after the reply is sent.
var errQuit = errors.New("client quit")

// serveConn runs the per-connection loop: read one command, dispatch,
// write exactly one reply, repeat until disconnect. Transport errors
// close this connection only.
func (s *Server) serveConn(id string, conn net.Conn) {
	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())
	logger.Debug("connection opened")
	defer logger.Debug("connection closed")

	reader := bufio.NewReaderSize(conn, protocol.MaxLineLen)
	ctx := context.Background()

	for {
		line, err := reader.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			// Oversized line: reject, then drain up to the terminator so
			// the connection can keep serving.
			if !s.reply(conn, logger, protocol.Errorf(protocol.KindMalformedCommand, "line exceeds maximum length")) {
				return
			}
			if !drain(reader) {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			logger.Warn("transport error", "error", err)
			return
		}

		cmd, err := protocol.Decode(line)
		if err != nil {
			if !s.reply(conn, logger, protocol.Errorf(protocol.KindMalformedCommand, err.Error())) {
				return
			}
			continue
		}

		handler, ok := s.dispatch[cmd.Name]
		if !ok {
			logger.Warn("unknown command", "command", cmd.Name)
			if !s.reply(conn, logger, protocol.Errorf(protocol.KindUnknownCommand, cmd.Name)) {
				return
			}
			continue
		}

		logger.Debug("dispatching", "command", cmd.Name, "args", cmd.Args)
		payload, err := handler(ctx, cmd.Args)

		var rep protocol.Reply
		quit := false
		switch {
		case errors.Is(err, errQuit):
			rep = protocol.OK(payload)
			quit = true
		case err != nil:
			rep = protocol.Errorf(kindFor(err), err.Error())
		default:
			rep = protocol.OK(payload)
		}

		if !s.reply(conn, logger, rep) || quit {
			return
		}
	}
}

// reply writes one encoded reply; false means the connection is dead.
func (s *Server) reply(conn net.Conn, logger *slog.Logger, rep protocol.Reply) bool {
	if _, err := conn.Write(protocol.Encode(rep)); err != nil {
		logger.Warn("write failed", "error", err)
		return false
	}
	return true
}

// drain discards buffered input up to and including the next newline.
func drain(reader *bufio.Reader) bool {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return true
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return false
	}
}

// kindFor maps dispatch errors onto wire error kinds.
func kindFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrNameInUse):
		return protocol.KindNameInUse
	case errors.Is(err, registry.ErrUnknownWorker):
		return protocol.KindUnknownWorker
	case errors.Is(err, worker.ErrAlreadyRunning):
		return protocol.KindAlreadyRunning
	case errors.Is(err, worker.ErrStartTimeout):
		return protocol.KindStartTimeout
	case errors.Is(err, worker.ErrStopTimeout):
		return protocol.KindStopTimeout
	case errors.Is(err, worker.ErrForcedKill):
		return protocol.KindForcedKill
	case errors.Is(err, protocol.ErrMalformedCommand):
		return protocol.KindMalformedCommand
	default:
		return protocol.KindInternal
	}
}
