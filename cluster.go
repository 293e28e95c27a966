package slotrouter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Cluster routes commands to the right node of a redis cluster. Any command
// goes through Do; the key in the first argument position decides the slot
// and with it the destination. Script, broadcast and blocked commands are
// classified by name before routing.

type Cluster struct {
	cfg Config
	log *zap.Logger

	// protect the following members
	mu sync.Mutex

	// keepalive pools per node address
	connPools map[string]*nodePool

	// queued requests while a pipeline is open
	pending      []*pipeRequest
	pipelineOpen bool
}

// New validates the config, applies defaults and bootstraps the slot
// directory for the cluster
func New(cfg Config) (*Cluster, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	c := &Cluster{
		cfg:       cfg,
		log:       cfg.Logger,
		connPools: make(map[string]*nodePool),
	}
	if err := c.initSlots(); err != nil {
		return nil, err
	}
	return c, nil
}

// Do runs one command. The first argument is the key for every command
// except EVAL/EVALSHA, whose redis syntax is (script, numkeys, keys...,
// args...), and the keyless FLUSHALL/FLUSHDB broadcasts. CONFIG and
// SHUTDOWN are always rejected with ErrUnsupportedCommand. While a pipeline
// is open every other command is queued and both return values are nil.
func (c *Cluster) Do(cmd string, args ...interface{}) (interface{}, error) {
	name := strings.ToUpper(cmd)
	switch name {
	case "CONFIG", "SHUTDOWN":
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupportedCommand)
	case "FLUSHALL", "FLUSHDB":
		// broadcast commands queue like any other while a pipeline is open
		if c.enqueueBroadcast(name, args) {
			return nil, nil
		}
		return c.broadcastMasters(name, args...)
	case "EVAL", "EVALSHA":
		return c.doScript(name, args...)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s requires a key", name)
	}
	key := fmt.Sprintf("%s", args[0])
	rest := args[1:]
	if c.enqueue(name, key, rest) {
		return nil, nil
	}
	return c.doWithRetry("", false, name, key, rest...)
}

// Eval runs a script with redis EVAL syntax. Only zero or one key is
// routable in a cluster.
func (c *Cluster) Eval(script string, numkeys int, keysAndArgs ...interface{}) (interface{}, error) {
	args := append([]interface{}{script, numkeys}, keysAndArgs...)
	return c.Do("EVAL", args...)
}

// EvalSha is Eval for a script already loaded on the nodes
func (c *Cluster) EvalSha(sha string, numkeys int, keysAndArgs ...interface{}) (interface{}, error) {
	args := append([]interface{}{sha, numkeys}, keysAndArgs...)
	return c.Do("EVALSHA", args...)
}

func (c *Cluster) doScript(cmd string, args ...interface{}) (interface{}, error) {
	key, err := scriptKey(args)
	if err != nil {
		return nil, err
	}
	if c.enqueue(cmd, key, args) {
		return nil, nil
	}
	return c.doWithRetry("", false, cmd, key, args...)
}

// scriptKey extracts the routing key from raw EVAL arguments. A script
// declaring no key routes through the fixed sentinel slot.
func scriptKey(args []interface{}) (string, error) {
	if len(args) < 2 {
		return "", errors.New("eval requires a script and a key count")
	}
	numkeys, err := argInt(args[1])
	if err != nil {
		return "", fmt.Errorf("eval key count: %w", err)
	}
	switch numkeys {
	case 0:
		return noKeySentinel, nil
	case 1:
		if len(args) < 3 {
			return "", errors.New("eval declares one key but none was given")
		}
		return fmt.Sprintf("%s", args[2]), nil
	default:
		return "", errors.New("cannot execute eval with more than one keys for redis cluster")
	}
}

func argInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	case []byte:
		return strconv.Atoi(string(n))
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

// enqueue appends the request to the open pipeline, if any
func (c *Cluster) enqueue(cmd, key string, args []interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pipelineOpen {
		return false
	}
	c.pending = append(c.pending, &pipeRequest{cmd: cmd, key: key, args: args})
	return true
}

// enqueueBroadcast appends a broadcast command to the open pipeline, if any
func (c *Cluster) enqueueBroadcast(cmd string, args []interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pipelineOpen {
		return false
	}
	c.pending = append(c.pending, &pipeRequest{cmd: cmd, args: args, broadcast: true})
	return true
}

// broadcastMasters sends the command to every master and aggregates failures
func (c *Cluster) broadcastMasters(cmd string, args ...interface{}) (interface{}, error) {
	topo := c.state().topo.Load()
	if topo == nil {
		return nil, ErrNoSlots
	}
	var masters []Server
	seen := make(map[string]bool)
	for _, s := range topo.servers {
		if s.IsReplica || seen[s.Addr()] {
			continue
		}
		seen[s.Addr()] = true
		masters = append(masters, s)
	}
	if len(masters) == 0 {
		return nil, ErrEmptyReplicaSet
	}

	var g errgroup.Group
	errs := make([]error, len(masters))
	for i, m := range masters {
		i, m := i, m
		g.Go(func() error {
			conn, err := c.getConn(m.Addr())
			if err != nil {
				errs[i] = fmt.Errorf("%s: %v", m.Addr(), err)
				return nil
			}
			if _, err := conn.Do(cmd, args...); err != nil {
				c.putConn(m.Addr(), conn)
				errs[i] = fmt.Errorf("%s on %s: %v", cmd, m.Addr(), err)
				return nil
			}
			c.putConn(m.Addr(), conn)
			return nil
		})
	}
	_ = g.Wait()

	var msgs []string
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	if len(msgs) > 0 {
		return nil, fmt.Errorf("broadcast %s: %s", cmd, strings.Join(msgs, "; "))
	}
	return "OK", nil
}

// InitPipeline opens a pipeline: subsequent Do calls queue instead of
// executing, until CommitPipeline or CancelPipeline
func (c *Cluster) InitPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineOpen = true
	c.pending = nil
}

// CommitPipeline executes the queued requests and returns their replies in
// submission order. Per-entry error replies are placed in the result slice;
// node-level failures abort the whole commit.
func (c *Cluster) CommitPipeline() ([]interface{}, error) {
	c.mu.Lock()
	reqs := c.pending
	open := c.pipelineOpen
	c.pending = nil
	c.pipelineOpen = false
	c.mu.Unlock()
	if !open || len(reqs) == 0 {
		return nil, ErrPipelineEmpty
	}
	return c.commitRequests(reqs)
}

// CancelPipeline drops the queued requests without executing them
func (c *Cluster) CancelPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.pipelineOpen = false
}

// Close empties every keepalive pool. The shared slot directory stays; other
// handles for the same cluster keep using it.
func (c *Cluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.connPools {
		p.empty()
		delete(c.connPools, k)
	}
}
