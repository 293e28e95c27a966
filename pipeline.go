package slotrouter

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pipeline dispatch: queued requests are partitioned by destination node,
// each group runs as one real redis pipeline in its own goroutine, and the
// replies are reassembled into the caller's submission order. Entries that
// come back with a redirection are re-executed one by one through the
// single-command path, so the returned slice always lines up with the input.

// pipeRequest is one queued command. broadcast marks commands that go to
// every master at commit time instead of a slot-picked node.
type pipeRequest struct {
	cmd         string
	key         string
	args        []interface{}
	originIndex int
	broadcast   bool
	reply       interface{}
	err         error
}

// pipeBatch holds the requests bound for one node
type pipeBatch struct {
	addr      string
	isReplica bool
	reqs      []*pipeRequest
	err       error
}

// run performs the real pipeline request for one node
func (b *pipeBatch) run(c *Cluster) {
	conn, err := c.getConn(b.addr)
	if err != nil {
		if !isPoolBusy(err) {
			c.triggerRefresh()
		}
		b.err = fmt.Errorf("pipeline connect %s: %w", b.addr, err)
		return
	}
	if b.isReplica {
		if _, err := conn.Do("READONLY"); err != nil {
			c.discardConn(conn)
			c.triggerRefresh()
			b.err = fmt.Errorf("pipeline readonly %s: %w", b.addr, err)
			return
		}
	}
	for _, req := range b.reqs {
		if isScriptCommand(req.cmd) {
			err = conn.Send(req.cmd, req.args...)
		} else {
			err = conn.Send(req.cmd, append([]interface{}{req.key}, req.args...)...)
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		err = conn.Flush()
	}
	if err != nil {
		c.discardConn(conn)
		c.triggerRefresh()
		b.err = fmt.Errorf("pipeline commit %s: %w", b.addr, err)
		return
	}
	for _, req := range b.reqs {
		req.reply, req.err = conn.Receive()
	}
	c.putConn(b.addr, conn)
}

// commitRequests partitions, executes and reassembles one detached batch
func (c *Cluster) commitRequests(reqs []*pipeRequest) ([]interface{}, error) {
	topo := c.state().topo.Load()
	if topo == nil {
		c.triggerRefresh()
		return nil, ErrNoSlots
	}
	if len(topo.servers) == 0 {
		return nil, ErrEmptyReplicaSet
	}

	// One shared seed per commit: every replica set resolves to the same
	// position, so the batch lands on a bounded subset of nodes instead of
	// fanning out across every replica.
	seed := randIntn(len(topo.servers)) + 1

	batches := make(map[string]*pipeBatch)
	for i, req := range reqs {
		req.originIndex = i
		if req.broadcast {
			// executed against every master during reassembly
			continue
		}
		slot := Slot(req.key)
		rs := topo.slots[slot]
		if rs == nil {
			c.triggerRefresh()
			return nil, fmt.Errorf("slot %d: %w", slot, ErrNoSlots)
		}
		srv, err := rs.pick(seed, c.cfg.EnableSlaveRead)
		if err != nil {
			c.triggerRefresh()
			return nil, err
		}
		bt, ok := batches[srv.Addr()]
		if !ok {
			bt = &pipeBatch{addr: srv.Addr(), isReplica: srv.IsReplica}
			batches[srv.Addr()] = bt
		}
		bt.reqs = append(bt.reqs, req)
	}
	// Destinations are copied out; the snapshot must not be touched past
	// this point.
	topo = nil //nolint:ineffassign,wastedassign

	var wg sync.WaitGroup
	for _, bt := range batches {
		wg.Add(1)
		go func(b *pipeBatch) {
			defer wg.Done()
			b.run(c)
		}(bt)
	}
	wg.Wait()

	for _, bt := range batches {
		if bt.err != nil {
			return nil, bt.err
		}
	}
	for _, req := range reqs {
		if isClusterDown(req.err) {
			return nil, fmt.Errorf("pipeline %v: %w", req.err, ErrClusterDown)
		}
		if replyHasClusterDown(req.reply) {
			return nil, fmt.Errorf("pipeline reply for %s %s: %w", req.cmd, req.key, ErrClusterDown)
		}
	}

	results := make([]interface{}, len(reqs))
	refreshed := false
	for _, req := range reqs {
		if req.broadcast {
			reply, err := c.broadcastMasters(req.cmd, req.args...)
			if err != nil {
				results[req.originIndex] = err
			} else {
				results[req.originIndex] = reply
			}
			continue
		}
		ri, perr := redirFromResult(req.reply, req.err)
		if perr != nil {
			results[req.originIndex] = perr
			continue
		}
		if ri == nil {
			if req.err != nil {
				results[req.originIndex] = req.err
			} else {
				results[req.originIndex] = req.reply
			}
			continue
		}
		if ri.Kind == "MOVED" && !refreshed {
			// One refresh per commit is enough however many entries moved
			if err := c.refreshSlots(); err != nil && !errors.Is(err, ErrRefreshRace) {
				c.log.Warn("refresh during pipeline commit failed",
					zap.String("cluster", c.cfg.Name), zap.Error(err))
			}
			refreshed = true
		}
		reply, err := c.doWithRetry(ri.Addr, ri.Kind == "ASK", req.cmd, req.key, req.args...)
		if err != nil {
			results[req.originIndex] = err
		} else {
			results[req.originIndex] = reply
		}
	}
	return results, nil
}
