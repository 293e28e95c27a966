package slotrouter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomodule/redigo/redis"
)

// Test doubles: a scripted redis.Conn and a three-master cluster harness.
// The harness answers CLUSTER SLOTS from its range table and handshake
// commands with OK; per-node behavior is injected through handler funcs.

const (
	addrM1 = "127.0.0.1:7001"
	addrM2 = "127.0.0.1:7002"
	addrM3 = "127.0.0.1:7003"
)

type doFunc func(cmd string, args []interface{}) (interface{}, error)

type fakeResult struct {
	reply interface{}
	err   error
}

type fakeConn struct {
	addr string
	h    *harness

	mu     sync.Mutex
	queue  []fakeResult
	closed bool
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Err() error { return nil }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	return f.h.serve(f.addr, cmd, args)
}

func (f *fakeConn) Send(cmd string, args ...interface{}) error {
	reply, err := f.h.serve(f.addr, cmd, args)
	f.mu.Lock()
	f.queue = append(f.queue, fakeResult{reply, err})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Receive() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, errors.New("receive without send")
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r.reply, r.err
}

type harness struct {
	mu       sync.Mutex
	handlers map[string]doFunc
	conns    map[string][]*fakeConn
	calls    map[string][]string
	refuse   map[string]bool
	ranges   []slotRange

	dials        int32
	slotsQueries int32
}

// newHarness builds the default topology of scenario §8: three masters
// owning [0-5460], [5461-10922] and [10923-16383]
func newHarness() *harness {
	return &harness{
		handlers: make(map[string]doFunc),
		conns:    make(map[string][]*fakeConn),
		calls:    make(map[string][]string),
		refuse:   make(map[string]bool),
		ranges: []slotRange{
			{Start: 0, End: 5460, Nodes: []nodeAddr{{IP: "127.0.0.1", Port: 7001, ID: "m1"}}},
			{Start: 5461, End: 10922, Nodes: []nodeAddr{{IP: "127.0.0.1", Port: 7002, ID: "m2"}}},
			{Start: 10923, End: 16383, Nodes: []nodeAddr{{IP: "127.0.0.1", Port: 7003, ID: "m3"}}},
		},
	}
}

func (h *harness) setRanges(ranges []slotRange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ranges = ranges
}

func (h *harness) setRefuse(addr string, refused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[addr] = refused
}

func (h *harness) handle(addr string, fn doFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[addr] = fn
}

func (h *harness) topologyReply() []interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	var entries []interface{}
	for _, r := range h.ranges {
		entry := []interface{}{int64(r.Start), int64(r.End)}
		for _, n := range r.Nodes {
			entry = append(entry, []interface{}{[]byte(n.IP), int64(n.Port), []byte(n.ID)})
		}
		entries = append(entries, entry)
	}
	return entries
}

func (h *harness) serve(addr, cmd string, args []interface{}) (interface{}, error) {
	h.record(addr, cmd, args)
	if cmd == "CLUSTER" {
		atomic.AddInt32(&h.slotsQueries, 1)
		return h.topologyReply(), nil
	}
	h.mu.Lock()
	fn := h.handlers[addr]
	h.mu.Unlock()
	if fn != nil {
		return fn(cmd, args)
	}
	switch cmd {
	case "AUTH", "READONLY", "ASKING", "PING":
		return "OK", nil
	}
	return "OK", nil
}

func (h *harness) record(addr, cmd string, args []interface{}) {
	parts := []string{cmd}
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	h.mu.Lock()
	h.calls[addr] = append(h.calls[addr], strings.Join(parts, " "))
	h.mu.Unlock()
}

func (h *harness) commands(addr string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls[addr]))
	copy(out, h.calls[addr])
	return out
}

func (h *harness) connsTo(addr string) []*fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*fakeConn, len(h.conns[addr]))
	copy(out, h.conns[addr])
	return out
}

func (h *harness) dialCount() int32 { return atomic.LoadInt32(&h.dials) }

func (h *harness) slotsQueryCount() int32 { return atomic.LoadInt32(&h.slotsQueries) }

func errRedis(s string) error { return redis.Error(s) }

func (h *harness) dial(addr string) (redis.Conn, error) {
	atomic.AddInt32(&h.dials, 1)
	h.mu.Lock()
	refused := h.refuse[addr]
	h.mu.Unlock()
	if refused {
		return nil, fmt.Errorf("dial tcp %s: connection refused", addr)
	}
	fc := &fakeConn{addr: addr, h: h}
	h.mu.Lock()
	h.conns[addr] = append(h.conns[addr], fc)
	h.mu.Unlock()
	return fc, nil
}

// config returns a Config wired to the harness, isolated from other tests by
// its own name, store and locker
func (h *harness) config(t *testing.T) Config {
	return Config{
		Name:     t.Name(),
		ServList: []string{addrM1},
		Store:    newMemStore(),
		Locks:    newMemLocker(),
		DialFunc: h.dial,
	}
}

func mustCluster(t *testing.T, h *harness) *Cluster {
	t.Helper()
	c, err := New(h.config(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func hasCommand(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
