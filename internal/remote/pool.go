package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/retry"
	"github.com/rs/zerolog/log"
)

// ServerResolver resolves a server id to its connection settings
type ServerResolver interface {
	Server(id string) (*domain.ServerInfo, error)
}

// PoolConfig configures FTPPool
type PoolConfig struct {
	MaxConnsPerServer int           // Concurrent sessions per server (default: 2)
	AcquireTimeout    time.Duration // Max wait for a slot plus dial (default: 30s)
	IdleTimeout       time.Duration // Idle sessions older than this are closed on reuse (default: 2m)
	Retry             retry.Config  // Dial/login retry
}

// FTPPool caps concurrent sessions per server and reuses idle ones.
// Acquire queues when the cap is reached instead of failing.
type FTPPool struct {
	cfg     PoolConfig
	servers ServerResolver
	dial    Dialer

	mu     sync.Mutex
	slots  map[string]*serverSlots
	closed bool
}

type serverSlots struct {
	sem  chan struct{}
	idle []*sessionConn
}

// NewFTPPool creates a connection pool
func NewFTPPool(cfg PoolConfig, servers ServerResolver, dial Dialer) *FTPPool {
	if cfg.MaxConnsPerServer <= 0 {
		cfg.MaxConnsPerServer = 2
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	return &FTPPool{
		cfg:     cfg,
		servers: servers,
		dial:    dial,
		slots:   make(map[string]*serverSlots),
	}
}

func (p *FTPPool) slotsFor(serverID string) (*serverSlots, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("connection pool is closed")
	}
	s, ok := p.slots[serverID]
	if !ok {
		s = &serverSlots{sem: make(chan struct{}, p.cfg.MaxConnsPerServer)}
		p.slots[serverID] = s
	}
	return s, nil
}

// Acquire returns a connection for serverID
func (p *FTPPool) Acquire(ctx context.Context, serverID string) (Conn, error) {
	info, err := p.servers.Server(serverID)
	if err != nil {
		return nil, err
	}

	slots, err := p.slotsFor(serverID)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case slots.sem <- struct{}{}:
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: server %s (%d in use)", ErrAcquireTimeout, serverID, p.cfg.MaxConnsPerServer)
	}

	if conn := p.reuseIdle(slots); conn != nil {
		return conn, nil
	}

	start := time.Now()
	session, err := retry.DoWithResult(actx, p.cfg.Retry, func() (Session, error) {
		return p.dial(actx, info.Addr(), info.Username, info.Password)
	})
	if err != nil {
		<-slots.sem
		if ctx.Err() == nil && actx.Err() != nil {
			return nil, fmt.Errorf("%w: server %s: %v", ErrAcquireTimeout, serverID, err)
		}
		return nil, fmt.Errorf("connect to server %s: %w", serverID, err)
	}

	log.Debug().
		Str("server_id", serverID).
		Str("addr", info.Addr()).
		Dur("elapsed", time.Since(start)).
		Msg("Opened remote session")

	return &sessionConn{
		serverID: serverID,
		session:  session,
		rangeOK:  true,
		lastUsed: time.Now(),
	}, nil
}

// reuseIdle pops the most recently used healthy idle session, closing stale ones
func (p *FTPPool) reuseIdle(slots *serverSlots) *sessionConn {
	for {
		p.mu.Lock()
		n := len(slots.idle)
		if n == 0 {
			p.mu.Unlock()
			return nil
		}
		conn := slots.idle[n-1]
		slots.idle = slots.idle[:n-1]
		p.mu.Unlock()

		if time.Since(conn.lastUsed) > p.cfg.IdleTimeout {
			_ = conn.session.Quit()
			continue
		}
		if err := conn.session.NoOp(); err != nil {
			log.Debug().Err(err).Str("server_id", conn.serverID).Msg("Dropping dead idle session")
			_ = conn.session.Quit()
			continue
		}
		return conn
	}
}

// Release returns a connection to the pool
func (p *FTPPool) Release(c Conn, err error) {
	conn, ok := c.(*sessionConn)
	if !ok || conn == nil {
		return
	}

	p.mu.Lock()
	slots := p.slots[conn.serverID]
	closed := p.closed
	keep := !closed && slots != nil && (err == nil || errors.Is(err, ErrNotFound))
	if keep {
		conn.lastUsed = time.Now()
		slots.idle = append(slots.idle, conn)
	}
	p.mu.Unlock()

	if !keep {
		if err != nil {
			log.Debug().Err(err).Str("server_id", conn.serverID).Msg("Closing suspect remote session")
		}
		_ = conn.session.Quit()
	}
	if slots != nil {
		<-slots.sem
	}
}

// Close closes every idle session. Connections still checked out are closed
// when they are released.
func (p *FTPPool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []*sessionConn
	for _, s := range p.slots {
		idle = append(idle, s.idle...)
		s.idle = nil
	}
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.session.Quit()
	}
	log.Info().Int("sessions", len(idle)).Msg("Connection pool closed")
	return nil
}
