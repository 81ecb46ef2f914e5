// Package ftp implements the upload-only FTP engine of the bridge: the
// control-connection listener, the per-session command state machine,
// active/passive data channels, and the transfer coordinator.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/internal/auth"
	"github.com/docdrop/ftpbridge/internal/staging"
	"github.com/docdrop/ftpbridge/pkg/config"
)

// Server accepts control connections and runs one session per
// connection. Sessions share nothing but the passive port pool.
type Server struct {
	cfg      *config.FTPConfig
	auth     auth.Authenticator
	channels *ChannelManager
	staging  *staging.Store
	ingestor Ingestor

	baseCtx context.Context
	cancel  context.CancelFunc

	mu sync.Mutex
	ln net.Listener

	connCount atomic.Uint64
	wg        sync.WaitGroup
}

// NewServer wires the FTP engine
func NewServer(cfg *config.FTPConfig, authn auth.Authenticator, store *staging.Store, ingestor Ingestor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		auth:     authn,
		channels: NewChannelManager(cfg),
		staging:  store,
		ingestor: ingestor,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Addr returns the bound control address, or nil before ListenAndServe
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds the control listener and accepts sessions until
// Shutdown. When TLS cert and key are configured the control channel is
// implicit TLS.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind control listener: %w", err)
	}

	if s.cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		log.Info().Msg("control channel using implicit TLS")
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("passive_min", s.cfg.PassivePortMin).
		Int("passive_max", s.cfg.PassivePortMax).
		Msg("FTP server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.baseCtx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		id := s.connCount.Add(1)
		s.wg.Add(1)
		go s.serveConn(conn, id)
	}
}

func (s *Server) serveConn(conn net.Conn, id uint64) {
	defer s.wg.Done()

	logger := log.With().
		Uint64("session_id", id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Info().Msg("session opened")

	// One misbehaving session must never take down the listener.
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("session panicked")
			conn.Close()
		}
	}()

	sess := newSession(s, conn, id, logger)
	sess.run()
}

// Shutdown stops accepting connections and waits for live sessions to
// drain. Sessions still running when the context expires are cancelled
// and given a short grace to release their data channels.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		log.Warn().Msg("grace period expired, cancelling remaining sessions")
		s.cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	}
}

// Sessions reports how many control connections have been accepted
func (s *Server) Sessions() uint64 { return s.connCount.Load() }
