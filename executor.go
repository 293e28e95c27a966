package slotrouter

import (
	"fmt"

	"go.uber.org/zap"
)

// Single-command execution: resolve the key's slot to a node, run the
// command, and absorb the cluster's redirection protocol. MOVED retargets
// and refreshes, ASK retargets once with an ASKING handshake, CLUSTERDOWN is
// fatal. The loop is bounded by MaxRedirections.

func isScriptCommand(cmd string) bool {
	return cmd == "EVAL" || cmd == "EVALSHA"
}

// doWithRetry runs one command. targetAddr is empty for a normal slot lookup
// and set when following a redirection; asking marks an ASK-directed retry.
// For script commands args carries the full raw argument list and key only
// drives slot selection.
func (c *Cluster) doWithRetry(targetAddr string, asking bool, cmd, key string, args ...interface{}) (interface{}, error) {
	slot := Slot(key)
	for attempt := 0; attempt < c.cfg.MaxRedirections; attempt++ {
		// Copy the destination out of the shared snapshot before any I/O;
		// the snapshot may be swapped by a concurrent refresh.
		var srv Server
		if targetAddr != "" {
			// A redirection target is always addressed as a master
			s, err := serverFromAddr(targetAddr)
			if err != nil {
				return nil, fmt.Errorf("redirection target %q: %w", targetAddr, err)
			}
			srv = s
		} else {
			topo := c.state().topo.Load()
			if topo == nil || topo.slots[slot] == nil {
				c.triggerRefresh()
				return nil, fmt.Errorf("slot %d: %w", slot, ErrNoSlots)
			}
			s, err := topo.slots[slot].pick(-1, c.cfg.EnableSlaveRead)
			if err != nil {
				c.triggerRefresh()
				return nil, err
			}
			srv = s
		}

		conn, err := c.getConn(srv.Addr())
		if err != nil {
			if !isPoolBusy(err) {
				c.triggerRefresh()
			}
			if attempt == c.cfg.MaxRedirections-1 {
				return nil, err
			}
			c.log.Warn("connect failed, retrying",
				zap.String("addr", srv.Addr()),
				zap.String("cmd", cmd),
				zap.Error(err))
			continue
		}

		if srv.IsReplica {
			if _, err := conn.Do("READONLY"); err != nil {
				c.discardConn(conn)
				c.triggerRefresh()
				return nil, fmt.Errorf("readonly handshake %s: %w", srv.Addr(), err)
			}
		}
		if asking {
			if _, err := conn.Do("ASKING"); err != nil {
				c.discardConn(conn)
				c.triggerRefresh()
				return nil, fmt.Errorf("asking handshake %s: %w", srv.Addr(), err)
			}
		}

		var reply interface{}
		if isScriptCommand(cmd) {
			reply, err = conn.Do(cmd, args...)
		} else {
			reply, err = conn.Do(cmd, append([]interface{}{key}, args...)...)
		}
		if err == nil {
			c.putConn(srv.Addr(), conn)
			return reply, nil
		}

		ri, perr := ParseRedirInfo(err)
		if perr != nil {
			c.putConn(srv.Addr(), conn)
			return nil, fmt.Errorf("redirection from %s: %w", srv.Addr(), perr)
		}
		if ri != nil {
			switch ri.Kind {
			case "MOVED":
				if ri.Addr == srv.Addr() {
					// The node redirected to itself: it owns the slot but
					// serves bad answers on this connection. Drop it.
					c.discardConn(conn)
				} else {
					c.putConn(srv.Addr(), conn)
				}
				targetAddr = ri.Addr
				asking = false
				c.triggerRefresh()
				continue
			case "ASK":
				c.putConn(srv.Addr(), conn)
				if asking {
					return nil, fmt.Errorf("%s already asked: %w", srv.Addr(), ErrNestedAsk)
				}
				targetAddr = ri.Addr
				asking = true
				continue
			}
		}
		if isClusterDown(err) {
			c.putConn(srv.Addr(), conn)
			return nil, fmt.Errorf("%v: %w", err, ErrClusterDown)
		}
		c.putConn(srv.Addr(), conn)
		c.triggerRefresh()
		return nil, err
	}
	return nil, ErrMaxRedirections
}
