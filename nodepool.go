package slotrouter

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
)

// nodePool keeps a bounded set of idle, authenticated connections to one
// node. Unlike redigo's redis.Pool it exposes the put/discard distinction
// directly, which the redirection rules need: a node answering MOVED for a
// slot it supposedly owns must have its connection dropped, not recycled.

type idleConn struct {
	conn redis.Conn
	at   time.Time
}

type nodePool struct {
	addr string
	idle chan idleConn
	ttl  time.Duration
}

func newNodePool(addr string, size int, ttl time.Duration) *nodePool {
	return &nodePool{
		addr: addr,
		idle: make(chan idleConn, size),
		ttl:  ttl,
	}
}

// get pops an idle connection that has not outlived the keepalive window.
// It never dials; the caller falls back to a fresh dial on a miss.
func (p *nodePool) get() redis.Conn {
	for {
		select {
		case ic := <-p.idle:
			if time.Since(ic.at) > p.ttl {
				ic.conn.Close()
				continue
			}
			return ic.conn
		default:
			return nil
		}
	}
}

// put returns a healthy connection to the idle set, closing it when the set
// is full or the connection already failed
func (p *nodePool) put(conn redis.Conn) error {
	if conn.Err() != nil {
		return conn.Close()
	}
	select {
	case p.idle <- idleConn{conn: conn, at: time.Now()}:
		return nil
	default:
		return conn.Close()
	}
}

func (p *nodePool) empty() {
	for {
		select {
		case ic := <-p.idle:
			ic.conn.Close()
		default:
			return
		}
	}
}

// getConn acquires a connection to addr, from the keepalive pool or by
// dialing. Dialed connections are authenticated before they are handed out;
// pooled ones already are.
func (c *Cluster) getConn(addr string) (redis.Conn, error) {
	c.mu.Lock()
	p, ok := c.connPools[addr]
	if !ok {
		p = newNodePool(addr, c.cfg.KeepaliveCons, c.cfg.keepaliveTimeout())
		c.connPools[addr] = p
	}
	c.mu.Unlock()
	if conn := p.get(); conn != nil {
		return conn, nil
	}
	return c.dial(addr)
}

func (c *Cluster) dial(addr string) (redis.Conn, error) {
	var (
		conn redis.Conn
		err  error
	)
	if c.cfg.DialFunc != nil {
		conn, err = c.cfg.DialFunc(addr)
	} else {
		conn, err = c.defaultDial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if c.cfg.Password != "" {
		if _, err := conn.Do("AUTH", c.cfg.Password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth %s: %v: %w", addr, err, ErrAuthFailed)
		}
	}
	return conn, nil
}

func (c *Cluster) defaultDial(addr string) (redis.Conn, error) {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(c.cfg.connectTimeout()),
		redis.DialWriteTimeout(c.cfg.sendTimeout()),
		redis.DialReadTimeout(c.cfg.readTimeout()),
	}
	opts = append(opts, c.cfg.DialOptions...)
	return redis.Dial("tcp", addr, opts...)
}

// putConn releases a connection back to its keepalive pool
func (c *Cluster) putConn(addr string, conn redis.Conn) {
	c.mu.Lock()
	p, ok := c.connPools[addr]
	c.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}
	if err := p.put(conn); err != nil {
		c.log.Warn("keepalive release failed", zap.String("addr", addr), zap.Error(err))
	}
}

// discardConn closes a connection instead of pooling it
func (c *Cluster) discardConn(conn redis.Conn) {
	conn.Close()
}

// isPoolBusy reports whether a connect error signals load rather than node
// failure. Those never trigger a topology refresh.
func isPoolBusy(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "too many waiting connect operations") ||
		strings.Contains(msg, "timeout")
}
