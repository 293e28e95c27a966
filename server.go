package slotrouter

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"
)

// Server is one node of a replica set
type Server struct {
	IP        string
	Port      int
	IsReplica bool
}

// Addr returns the ip:port form used as pool key and redirection target
func (s Server) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

func serverFromAddr(addr string) (Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Server{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Server{}, err
	}
	return Server{IP: host, Port: port}, nil
}

// ReplicaSet is the ordered node list covering a slot range. The server at
// index 0 is always the master, replicas follow.
type ReplicaSet []Server

// a *rand.Rand is not safe for concurrent access
var rnd = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))} //nolint:gosec

func randIntn(n int) int {
	rnd.Lock()
	defer rnd.Unlock()
	return rnd.Intn(n)
}

// pick chooses a node from the set. With slave reads disabled the master is
// always returned. Otherwise a non-negative seed selects index seed%len so a
// batch sharing one seed lands on a stable subset of nodes; a negative seed
// picks uniformly at random.
func (rs ReplicaSet) pick(seed int, slaveRead bool) (Server, error) {
	if len(rs) == 0 {
		return Server{}, ErrEmptyReplicaSet
	}
	if !slaveRead {
		return rs[0], nil
	}
	var idx int
	if seed >= 0 {
		idx = seed % len(rs)
	} else {
		idx = randIntn(len(rs))
	}
	srv := rs[idx]
	srv.IsReplica = idx > 0
	return srv, nil
}
