package dispatch

// This file contains the socket the master listens on for state reports.

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/wire"
)

// Server accepts state reports from slaves. Each connection carries one
// message, which is handed over before the connection is closed, so a
// slave that has seen its connection closed knows the master holds its
// report.
type Server struct {
	logger   zerolog.Logger
	listener net.Listener
	messages chan wire.Message
	handlers conc.WaitGroup
}

// Listen starts listening on addr, e.g. "127.0.0.1:0".
func Listen(logger zerolog.Logger, addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{logger: logger, listener: l, messages: make(chan wire.Message, 64)}, nil
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Messages delivers the decoded reports.
func (s *Server) Messages() <-chan wire.Message {
	return s.messages
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("Failed to accept slave connection")
			}
			break
		}
		s.handlers.Go(func() { s.handle(ctx, conn) })
	}
	s.handlers.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
	m, err := wire.Decode(conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Str("job", m.JobID).Msg("Malformed state report")
		if m.JobID == "" {
			return
		}
		m = wire.Message{
			JobID:     m.JobID,
			Category:  string(model.CategoryUnrunnable),
			BriefText: "malformed state report",
			FreeText:  err.Error() + "\n",
		}
	}
	select {
	case s.messages <- m:
	case <-ctx.Done():
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
