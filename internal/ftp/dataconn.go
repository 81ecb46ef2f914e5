package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/pkg/config"
)

var (
	// ErrPortPoolExhausted means every port in the configured passive
	// range is held by a live channel. Transient; the client may retry.
	ErrPortPoolExhausted = errors.New("passive port pool exhausted")

	// ErrInvalidTarget means an active-mode target failed the
	// anti-hijacking check against the control connection's peer.
	ErrInvalidTarget = errors.New("data connection target does not match control peer")

	// ErrChannelReleased means the channel was torn down before or
	// during use.
	ErrChannelReleased = errors.New("data channel released")
)

// DataChannel is one pending or in-flight data connection. Open blocks
// until the client attaches (passive) or the dial completes (active).
// Release is idempotent and always returns any held port to the pool.
type DataChannel interface {
	Open(ctx context.Context) (net.Conn, error)
	Release()
	Mode() string
}

// portPool hands out listening ports from the configured inclusive
// range. The pool is the only state shared between sessions.
type portPool struct {
	mu       sync.Mutex
	min, max int
	bindHost string
	inUse    map[int]bool
}

func newPortPool(min, max int, bindHost string) *portPool {
	return &portPool{
		min:      min,
		max:      max,
		bindHost: bindHost,
		inUse:    make(map[int]bool),
	}
}

// acquire binds a listener on a free port from the range. The port is
// reserved while the bind happens so concurrent callers never race for
// the same slot.
func (p *portPool) acquire() (int, net.Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.min; port <= p.max; port++ {
		if p.inUse[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(p.bindHost, strconv.Itoa(port)))
		if err != nil {
			// Something outside the pool holds the port; skip it.
			continue
		}
		p.inUse[port] = true
		return port, ln, nil
	}
	return 0, nil, ErrPortPoolExhausted
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

func (p *portPool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// ChannelManager owns passive port allocation and active-mode target
// policy for all sessions.
type ChannelManager struct {
	pool         *portPool
	publicHost   string
	allowForeign bool
}

// NewChannelManager creates the manager from config. The passive
// listeners bind on the same host as the control listener.
func NewChannelManager(cfg *config.FTPConfig) *ChannelManager {
	bindHost, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		bindHost = ""
	}
	if bindHost == "0.0.0.0" || bindHost == "::" {
		bindHost = ""
	}
	return &ChannelManager{
		pool:         newPortPool(cfg.PassivePortMin, cfg.PassivePortMax, bindHost),
		publicHost:   cfg.PublicHost,
		allowForeign: cfg.AllowForeignDataAddr,
	}
}

// PreparePassive allocates a port and starts listening for the client's
// data connection.
func (m *ChannelManager) PreparePassive() (*passiveChannel, error) {
	port, ln, err := m.pool.acquire()
	if err != nil {
		return nil, err
	}
	log.Debug().Int("port", port).Msg("passive data channel listening")
	return &passiveChannel{port: port, ln: ln, pool: m.pool}, nil
}

// PrepareActive validates the client-requested target and returns a
// channel that dials it lazily on first use. By default the target IP
// must equal the control connection's peer IP, so a client cannot point
// the server's data connection at a third party.
func (m *ChannelManager) PrepareActive(target *net.TCPAddr, peerIP net.IP) (*activeChannel, error) {
	if !m.allowForeign && !target.IP.Equal(peerIP) {
		return nil, fmt.Errorf("%w: requested %s, control peer is %s", ErrInvalidTarget, target.IP, peerIP)
	}
	return &activeChannel{target: target}, nil
}

// AdvertiseIP is the address a PASV reply should carry: the configured
// public host if set, otherwise the control connection's own local
// address.
func (m *ChannelManager) AdvertiseIP(controlLocal net.Addr) (net.IP, error) {
	if m.publicHost != "" {
		ip := net.ParseIP(m.publicHost)
		if ip == nil {
			return nil, fmt.Errorf("configured public host %q is not an IP address", m.publicHost)
		}
		return ip, nil
	}
	tcpAddr, ok := controlLocal.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("control connection has no TCP local address")
	}
	return tcpAddr.IP, nil
}

// LivePorts reports how many passive ports are currently held
func (m *ChannelManager) LivePorts() int { return m.pool.live() }

// passiveChannel listens on a pooled port and waits for the client to
// connect in.
type passiveChannel struct {
	port int
	ln   net.Listener
	pool *portPool

	mu       sync.Mutex
	conn     net.Conn
	released bool
}

// Port returns the allocated passive port
func (c *passiveChannel) Port() int { return c.port }

// Mode identifies the channel for logging
func (c *passiveChannel) Mode() string { return "passive" }

// Open accepts the client's data connection. Cancelling the context
// closes the listener, which unblocks the accept.
func (c *passiveChannel) Open(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrChannelReleased
	}
	ln := c.ln
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("data connection accept cancelled: %w", ctx.Err())
		}
		c.mu.Lock()
		released := c.released
		c.mu.Unlock()
		if released {
			return nil, ErrChannelReleased
		}
		return nil, fmt.Errorf("failed to accept data connection: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		conn.Close()
		return nil, ErrChannelReleased
	}
	c.conn = conn
	return conn, nil
}

// Release closes the listener and any accepted connection and returns
// the port to the pool. Safe to call repeatedly.
func (c *passiveChannel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.ln != nil {
		c.ln.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.pool.release(c.port)
	log.Debug().Int("port", c.port).Msg("passive data channel released")
}

// activeChannel dials out to the client-specified target on first use
type activeChannel struct {
	target *net.TCPAddr

	mu       sync.Mutex
	conn     net.Conn
	released bool
}

// Mode identifies the channel for logging
func (c *activeChannel) Mode() string { return "active" }

// Open dials the client's data port
func (c *activeChannel) Open(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrChannelReleased
	}
	c.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.target.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.target, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		conn.Close()
		return nil, ErrChannelReleased
	}
	c.conn = conn
	return conn, nil
}

// Release closes any open connection. Safe to call repeatedly; active
// channels hold no pooled port.
func (c *activeChannel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.conn != nil {
		c.conn.Close()
	}
}
