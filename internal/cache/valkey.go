package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyProvider implements Provider backed by a Valkey/Redis-compatible server.
// Connections are authenticated once and reused through a small idle pool.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	idle   []*conn
	closed bool
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	MaxIdle      int
	TLS          bool
}

// NewValkeyProvider creates a Provider using the supplied configuration. It performs a ping
// against the target to fail fast when credentials or connectivity are incorrect.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}

	normaliseConfig(&cfg)
	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := provider.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping valkey %s: %w", cfg.Addr, err)
	}

	return provider, nil
}

// Ping checks connectivity.
func (p *ValkeyProvider) Ping(ctx context.Context) error {
	return p.exec(ctx, func(c *conn) error {
		r, err := c.doStrings("PING")
		if err != nil {
			return err
		}
		if r.kind != kindSimple || string(r.data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", r.data)
		}
		return nil
	})
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.exec(ctx, func(c *conn) error {
		r, err := c.do([]byte("GET"), []byte(key))
		if err != nil {
			return err
		}
		switch r.kind {
		case kindNil:
			return ErrCacheMiss
		case kindBulk:
			payload = r.data
			return nil
		default:
			return fmt.Errorf("unexpected reply %q for GET", r.kind)
		}
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.exec(ctx, func(c *conn) error {
		r, err := c.do(setArgs(key, value, ttl)...)
		if err != nil {
			return err
		}
		if !r.isOK() {
			return fmt.Errorf("unexpected SET response: %s", r.data)
		}
		return nil
	})
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return p.conditionalSet(ctx, append(setArgs(key, value, ttl), []byte("NX")))
}

// Replace overwrites an existing key with SET XX KEEPTTL.
func (p *ValkeyProvider) Replace(ctx context.Context, key string, value []byte) (bool, error) {
	return p.conditionalSet(ctx, append(setArgs(key, value, 0), []byte("XX"), []byte("KEEPTTL")))
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.exec(ctx, func(c *conn) error {
		_, err := c.do([]byte("DEL"), []byte(key))
		return err
	})
}

// Close drops all idle connections. In-flight connections are closed when released.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *ValkeyProvider) conditionalSet(ctx context.Context, args [][]byte) (bool, error) {
	var stored bool
	err := p.exec(ctx, func(c *conn) error {
		r, err := c.do(args...)
		if err != nil {
			return err
		}
		switch {
		case r.isOK():
			stored = true
		case r.kind == kindNil:
			stored = false
		default:
			return fmt.Errorf("unexpected conditional SET response %q", r.kind)
		}
		return nil
	})
	return stored, err
}

func setArgs(key string, value []byte, ttl time.Duration) [][]byte {
	args := [][]byte{[]byte("SET"), []byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
	}
	return args
}

// exec runs fn on a pooled connection, retrying transient network failures.
func (p *ValkeyProvider) exec(ctx context.Context, fn func(*conn) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		c, err := p.acquire(ctx)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return err
		}

		err = fn(c)
		p.release(c, err)
		if err == nil || errors.Is(err, ErrCacheMiss) {
			return err
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("valkey provider closed")
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

// release returns c to the pool unless err left the stream in an unknown state.
func (p *ValkeyProvider) release(c *conn, err error) {
	var serverErr ServerError
	reusable := err == nil || errors.Is(err, ErrCacheMiss) || errors.As(err, &serverErr)

	p.mu.Lock()
	if reusable && !p.closed && len(p.idle) < p.cfg.MaxIdle {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = c.close()
}

func (p *ValkeyProvider) dial(ctx context.Context) (*conn, error) {
	dialer := net.Dialer{Timeout: deadlineOr(ctx, p.cfg.DialTimeout)}
	var (
		nc  net.Conn
		err error
	)
	if p.cfg.TLS {
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostForTLS(p.cfg.Addr)}}
		nc, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}

	c := newConn(nc, p.cfg.ReadTimeout, p.cfg.WriteTimeout)
	if err := p.handshake(c); err != nil {
		_ = c.close()
		return nil, err
	}
	return c, nil
}

func (p *ValkeyProvider) handshake(c *conn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		r, err := c.doStrings(args...)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if !strings.EqualFold(string(r.data), "OK") {
			return fmt.Errorf("auth failed: %s", r.data)
		}
	}
	if p.cfg.DB > 0 {
		r, err := c.doStrings("SELECT", strconv.Itoa(p.cfg.DB))
		if err != nil {
			return fmt.Errorf("select db %d: %w", p.cfg.DB, err)
		}
		if !r.isOK() {
			return fmt.Errorf("select failed: %s", r.data)
		}
	}
	return nil
}

func normaliseConfig(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 4
	}
}

func deadlineOr(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < d {
			return remaining
		}
	}
	return d
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
