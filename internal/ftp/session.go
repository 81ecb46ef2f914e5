package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/docdrop/ftpbridge/internal/ingest"
	"github.com/docdrop/ftpbridge/internal/staging"
)

// sessionState is the control-connection protocol state
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateIdle
	stateModePending
	stateTransferring
	stateClosing
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateIdle:
		return "idle"
	case stateModePending:
		return "mode-pending"
	case stateTransferring:
		return "transferring"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

// Ingestor hands a sealed upload to the downstream document system and
// journals uploads whose transfer never completed.
type Ingestor interface {
	Submit(ctx context.Context, up *staging.Upload, meta ingest.Meta) ingest.Result
	RecordTransferFailure(ctx context.Context, up *staging.Upload, meta ingest.Meta, cause error)
}

// Session is one control connection. Commands are processed
// sequentially; the session owns at most one pending data channel and
// at most one in-flight upload at a time.
type Session struct {
	id     uint64
	conn   net.Conn
	reader *bufio.Reader
	srv    *Server
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state        sessionState
	username     string
	authFailures int
	cwd          string
	dataCh       DataChannel
}

func newSession(srv *Server, conn net.Conn, id uint64, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(srv.baseCtx)
	return &Session{
		id:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		srv:    srv,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		state:  stateUnauthenticated,
		cwd:    "/",
	}
}

// run drives the command loop until the session closes
func (s *Session) run() {
	defer s.close()

	// Server shutdown or session cancellation must unblock the
	// control-channel read.
	go func() {
		<-s.ctx.Done()
		s.conn.Close()
	}()

	s.reply(StatusReady, "ftpbridge ready")

	for s.state != stateClosing {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.reply(StatusServiceUnavailable, "Idle timeout, closing control connection")
			}
			s.state = stateClosing
			return
		}

		verb, arg := parseCommandLine(line)
		if verb == "" {
			s.reply(StatusSyntaxError, "Empty command")
			continue
		}
		s.dispatch(verb, arg)
	}
}

// parseCommandLine splits a raw control line into an upper-cased verb
// and its argument.
func parseCommandLine(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

func (s *Session) reply(code int, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	s.log.Debug().Int("code", code).Str("text", text).Msg("reply")
	fmt.Fprintf(s.conn, "%d %s\r\n", code, text)
}

// replyMulti writes a multi-line reply using the code-hyphen
// continuation convention.
func (s *Session) replyMulti(code int, first string, lines []string, last string) {
	fmt.Fprintf(s.conn, "%d-%s\r\n", code, first)
	for _, l := range lines {
		fmt.Fprintf(s.conn, " %s\r\n", l)
	}
	fmt.Fprintf(s.conn, "%d %s\r\n", code, last)
}

// releaseDataChannel drops the pending data channel, if any, returning
// its port to the pool.
func (s *Session) releaseDataChannel() {
	if s.dataCh != nil {
		s.dataCh.Release()
		s.dataCh = nil
	}
	if s.state == stateModePending {
		s.state = stateIdle
	}
}

func (s *Session) close() {
	s.state = stateClosing
	s.releaseDataChannel()
	s.cancel()
	s.conn.Close()
	s.log.Info().Msg("session closed")
}
