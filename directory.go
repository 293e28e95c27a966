package slotrouter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// The slot directory maps each of the 16384 hash slots to the replica set
// owning it. One directory exists per cluster name per process, shared by
// every Cluster handle created for that name. Refreshes install a complete
// new snapshot with a single pointer swap, so concurrent readers always see
// a slot table and server list from the same topology query.

// nodeAddr is one node entry of a CLUSTER SLOTS range
type nodeAddr struct {
	IP   string
	Port int
	ID   string
}

// slotRange is one entry of the CLUSTER SLOTS reply. Its JSON form matches
// the wire reply exactly: [start, end, [ip, port, id], [ip, port, id]...],
// which is also the layout persisted into the shared store.
type slotRange struct {
	Start int
	End   int
	Nodes []nodeAddr
}

func (r slotRange) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, len(r.Nodes)+2)
	arr = append(arr, r.Start, r.End)
	for _, n := range r.Nodes {
		arr = append(arr, []interface{}{n.IP, n.Port, n.ID})
	}
	return json.Marshal(arr)
}

func (r *slotRange) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 3 {
		return fmt.Errorf("slot range needs start, end and a master, got %d fields", len(arr))
	}
	if err := json.Unmarshal(arr[0], &r.Start); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[1], &r.End); err != nil {
		return err
	}
	r.Nodes = nil
	for _, rawNode := range arr[2:] {
		var fields []json.RawMessage
		if err := json.Unmarshal(rawNode, &fields); err != nil {
			return err
		}
		if len(fields) < 2 {
			return fmt.Errorf("node entry needs ip and port, got %d fields", len(fields))
		}
		var n nodeAddr
		if err := json.Unmarshal(fields[0], &n.IP); err != nil {
			return err
		}
		if err := json.Unmarshal(fields[1], &n.Port); err != nil {
			return err
		}
		if len(fields) > 2 {
			if err := json.Unmarshal(fields[2], &n.ID); err != nil {
				return err
			}
		}
		r.Nodes = append(r.Nodes, n)
	}
	return nil
}

// topology is an immutable snapshot of one CLUSTER SLOTS reply. slots and
// servers are always built together; installation is a single pointer swap.
type topology struct {
	slots   [TotalSlots]ReplicaSet
	servers []Server
	ranges  []slotRange
}

func buildTopology(ranges []slotRange) *topology {
	t := &topology{ranges: ranges}
	for _, r := range ranges {
		rs := make(ReplicaSet, 0, len(r.Nodes))
		for i, n := range r.Nodes {
			rs = append(rs, Server{IP: n.IP, Port: n.Port, IsReplica: i > 0})
		}
		t.servers = append(t.servers, rs...)
		for slot := r.Start; slot <= r.End && slot < TotalSlots; slot++ {
			t.slots[slot] = rs
		}
	}
	return t
}

// clusterState is the process-wide directory entry for one cluster name
type clusterState struct {
	topo    atomic.Pointer[topology]
	refresh *rate.Limiter
}

var (
	statesMu sync.Mutex
	states   = make(map[string]*clusterState)
)

func (c *Cluster) state() *clusterState {
	statesMu.Lock()
	defer statesMu.Unlock()
	st, ok := states[c.cfg.Name]
	if !ok {
		st = &clusterState{
			refresh: rate.NewLimiter(rate.Every(c.cfg.refreshThrottle()), 1),
		}
		states[c.cfg.Name] = st
	}
	return st
}

// initSlots bootstraps the directory once per cluster per process. Later
// callers find the state installed and return without any network I/O.
func (c *Cluster) initSlots() error {
	st := c.state()
	if st.topo.Load() != nil {
		return nil
	}
	key := initLockPrefix + c.cfg.Name
	c.cfg.Locks.Lock(key)
	defer c.cfg.Locks.Unlock(key)
	if st.topo.Load() != nil {
		return nil
	}
	if err := c.loadSlotsFromStore(); err == nil {
		return nil
	} else if !errors.Is(err, errStoreMiss) {
		c.log.Warn("cached slots info unusable", zap.String("cluster", c.cfg.Name), zap.Error(err))
	}
	return c.fetchSlots()
}

// fetchSlots queries the topology from the first answering host, preferring
// nodes already known over the configured seeds. The installed snapshot is
// also serialized into the shared store so other clients skip this query.
func (c *Cluster) fetchSlots() error {
	st := c.state()
	var candidates []string
	if topo := st.topo.Load(); topo != nil {
		for _, s := range topo.servers {
			candidates = append(candidates, s.Addr())
		}
	}
	candidates = append(candidates, c.cfg.ServList...)

	var errs []string
	for _, addr := range candidates {
		conn, err := c.connectWithRetry(addr)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return err
			}
			errs = append(errs, err.Error())
			continue
		}
		reply, err := conn.Do("CLUSTER", "SLOTS")
		if err != nil {
			c.discardConn(conn)
			errs = append(errs, fmt.Sprintf("cluster slots %s: %v", addr, err))
			continue
		}
		c.putConn(addr, conn)
		ranges, err := parseSlotsReply(reply)
		if err != nil {
			errs = append(errs, fmt.Sprintf("parse slots from %s: %v", addr, err))
			continue
		}
		if len(ranges) == 0 {
			errs = append(errs, fmt.Sprintf("%s returned no slot ranges", addr))
			continue
		}
		st.topo.Store(buildTopology(ranges))
		c.cacheSlotsToStore(ranges)
		c.log.Info("slot table installed",
			zap.String("cluster", c.cfg.Name),
			zap.String("source", addr),
			zap.Int("ranges", len(ranges)))
		return nil
	}
	if len(errs) == 0 {
		errs = append(errs, "no topology obtained from any host")
	}
	return fmt.Errorf("cluster %s bootstrap failed: %s", c.cfg.Name, strings.Join(errs, "; "))
}

// connectWithRetry dials one host up to MaxConnAttempts times, respecting a
// wall-clock budget across the attempts. Auth rejections abort immediately.
func (c *Cluster) connectWithRetry(addr string) (redis.Conn, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxConnAttempts; attempt++ {
		if attempt > 0 && time.Since(start) > c.cfg.maxConnTimeout() {
			return nil, fmt.Errorf("connect %s: retry budget exhausted: %w", addr, lastErr)
		}
		conn, err := c.getConn(addr)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		lastErr = err
		c.log.Warn("connect attempt failed",
			zap.String("addr", addr),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// refreshSlots re-fetches the topology behind a non-blocking keyed lock, so
// concurrent triggers collapse into one query. A rate limiter additionally
// spaces refreshes out under sustained redirection storms.
func (c *Cluster) refreshSlots() error {
	st := c.state()
	if !st.refresh.Allow() {
		return nil
	}
	key := c.cfg.RefreshLockKey + ":" + c.cfg.Name
	if !c.cfg.Locks.TryLock(key) {
		return ErrRefreshRace
	}
	defer c.cfg.Locks.Unlock(key)
	return c.fetchSlots()
}

// triggerRefresh fires a refresh without blocking the calling request
func (c *Cluster) triggerRefresh() {
	go func() {
		if err := c.refreshSlots(); err != nil && !errors.Is(err, ErrRefreshRace) {
			c.log.Warn("slot refresh failed", zap.String("cluster", c.cfg.Name), zap.Error(err))
		}
	}()
}

var errStoreMiss = errors.New("no cached slots info")

// loadSlotsFromStore installs the topology from the shared store if a
// decodable snapshot is present
func (c *Cluster) loadSlotsFromStore() error {
	raw, ok := c.cfg.Store.Get(c.cfg.Name)
	if !ok || raw == "" {
		return errStoreMiss
	}
	var ranges []slotRange
	if err := json.Unmarshal([]byte(raw), &ranges); err != nil {
		return fmt.Errorf("decode cached slots info: %w", err)
	}
	if len(ranges) == 0 {
		return errStoreMiss
	}
	c.state().topo.Store(buildTopology(ranges))
	c.log.Info("slot table loaded from shared store", zap.String("cluster", c.cfg.Name))
	return nil
}

// cacheSlotsToStore writes the raw topology into the shared store. Failures
// only cost other clients a re-bootstrap, so they are logged and swallowed.
func (c *Cluster) cacheSlotsToStore(ranges []slotRange) {
	data, err := json.Marshal(ranges)
	if err != nil {
		c.log.Warn("encode slots info failed", zap.String("cluster", c.cfg.Name), zap.Error(err))
		return
	}
	if err := c.cfg.Store.Set(c.cfg.Name, string(data)); err != nil {
		c.log.Warn("cache slots info failed", zap.String("cluster", c.cfg.Name), zap.Error(err))
	}
}

// parseSlotsReply decodes a CLUSTER SLOTS reply into slot ranges
func parseSlotsReply(reply interface{}) ([]slotRange, error) {
	entries, err := redis.Values(reply, nil)
	if err != nil {
		return nil, err
	}
	var ranges []slotRange
	for _, entry := range entries {
		var r slotRange
		fields, err := redis.Values(entry, nil)
		if err != nil {
			return nil, err
		}
		nodes, err := redis.Scan(fields, &r.Start, &r.End)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			var n nodeAddr
			nf, err := redis.Values(node, nil)
			if err != nil {
				return nil, err
			}
			if len(nf) > 2 {
				_, err = redis.Scan(nf, &n.IP, &n.Port, &n.ID)
			} else {
				_, err = redis.Scan(nf, &n.IP, &n.Port)
			}
			if err != nil {
				return nil, err
			}
			r.Nodes = append(r.Nodes, n)
		}
		if len(r.Nodes) == 0 {
			return nil, fmt.Errorf("slot range %d-%d has no nodes", r.Start, r.End)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// DescribeTopology renders the cached slot mapping in a readable form
func (c *Cluster) DescribeTopology() string {
	topo := c.state().topo.Load()
	if topo == nil {
		return "no slots information present"
	}
	var s []string
	for i, r := range topo.ranges {
		s = append(s, fmt.Sprintf("%d) Slot Range: %d - %d", i+1, r.Start, r.End))
		for j, n := range r.Nodes {
			role := ""
			if j == 0 {
				role = " (master)"
			}
			s = append(s, fmt.Sprintf("   Node %d: %s:%d, %s%s", j+1, n.IP, n.Port, n.ID, role))
		}
	}
	return strings.Join(s, "\n")
}
