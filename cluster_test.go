package slotrouter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Name: "c1"})
	assert.Error(t, err)

	_, err = New(Config{ServList: []string{addrM1}})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "c1", ServList: []string{addrM1}}
	cfg.applyDefaults()

	// explicit zero shares the fallback with unset
	assert.Equal(t, defaultMaxRedirections, cfg.MaxRedirections)
	assert.Equal(t, defaultMaxConnAttempts, cfg.MaxConnAttempts)
	assert.Equal(t, defaultKeepaliveCons, cfg.KeepaliveCons)
	assert.Equal(t, defaultConnectTimeoutMs, cfg.ConnectTimeoutMs)
	assert.NotNil(t, cfg.Store)
	assert.NotNil(t, cfg.Locks)
	assert.NotNil(t, cfg.Logger)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	data := `
name: orders
serv_list:
  - 10.0.0.1:7000
  - 10.0.0.2:7000
password: hush
enable_slave_read: true
max_redirection: 7
keepalive_cons: 32
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.ServList)
	assert.Equal(t, "hush", cfg.Password)
	assert.True(t, cfg.EnableSlaveRead)
	assert.Equal(t, 7, cfg.MaxRedirections)
	assert.Equal(t, 32, cfg.KeepaliveCons)
}

func TestLoadConfigRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: c1\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestBlockedCommandsSkipNetwork(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	d0 := h.dialCount()
	before := len(h.commands(addrM1)) + len(h.commands(addrM2)) + len(h.commands(addrM3))

	_, err := c.Do("CONFIG", "GET", "maxmemory")
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
	_, err = c.Do("SHUTDOWN")
	assert.ErrorIs(t, err, ErrUnsupportedCommand)

	assert.Equal(t, d0, h.dialCount())
	after := len(h.commands(addrM1)) + len(h.commands(addrM2)) + len(h.commands(addrM3))
	assert.Equal(t, before, after)
}

func TestDoRequiresKey(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.Do("GET")
	assert.Error(t, err)
}

func TestEvalZeroKeysRoutesThroughSentinel(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	// slot("no_key") = 1, owned by the first master
	reply, err := c.Eval("return 1", 0)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.True(t, hasCommand(h.commands(addrM1), "EVAL return 1 0"))
}

func TestEvalOneKeyRoutesByKey(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.Eval("return redis.call('get', KEYS[1])", 1, "foo")
	require.NoError(t, err)
	// the script, not the key, is the first wire argument
	assert.True(t, hasCommand(h.commands(addrM3), "EVAL return redis.call('get', KEYS[1]) 1 foo"))
}

func TestEvalMultiKeyRejected(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.Eval("return 1", 2, "k1", "k2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one keys")

	_, err = c.EvalSha("abc123", 3, "k1", "k2", "k3")
	assert.Error(t, err)
}

func TestEvalShaRouting(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.EvalSha("abc123", 1, "bar")
	require.NoError(t, err)
	assert.True(t, hasCommand(h.commands(addrM1), "EVALSHA abc123 1 bar"))
}

func TestFlushAllBroadcastsToMasters(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	reply, err := c.Do("FLUSHALL")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.True(t, hasCommand(h.commands(addrM1), "FLUSHALL"))
	assert.True(t, hasCommand(h.commands(addrM2), "FLUSHALL"))
	assert.True(t, hasCommand(h.commands(addrM3), "FLUSHALL"))
}

func TestFlushDBAggregatesErrors(t *testing.T) {
	h := newHarness()
	h.handle(addrM2, func(cmd string, args []interface{}) (interface{}, error) {
		if cmd == "FLUSHDB" {
			return nil, errRedis("ERR flush disabled")
		}
		return "OK", nil
	})
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.Do("FLUSHDB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), addrM2)
	assert.Contains(t, err.Error(), "flush disabled")
	// the other masters were still flushed
	assert.True(t, hasCommand(h.commands(addrM1), "FLUSHDB"))
	assert.True(t, hasCommand(h.commands(addrM3), "FLUSHDB"))
}

func TestBroadcastSkipsReplicas(t *testing.T) {
	h := newHarness()
	h.setRanges([]slotRange{
		{Start: 0, End: 16383, Nodes: []nodeAddr{
			{IP: "127.0.0.1", Port: 7001, ID: "m1"},
			{IP: "127.0.0.1", Port: 7004, ID: "r1"},
		}},
	})
	c := mustCluster(t, h)
	defer c.Close()

	_, err := c.Do("FLUSHALL")
	require.NoError(t, err)
	assert.True(t, hasCommand(h.commands(addrM1), "FLUSHALL"))
	assert.False(t, hasCommand(h.commands("127.0.0.1:7004"), "FLUSHALL"))
}

func TestPipelineQueuesWithoutNetwork(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	d0 := h.dialCount()
	c.InitPipeline()
	reply, err := c.Do("SET", "a", 1)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, d0, h.dialCount(), "queued commands must not touch the network")
	assert.False(t, hasCommand(h.commands(addrM3), "SET a 1"))
	c.CancelPipeline()
}

func TestBlockedCommandRejectedWhilePipelineOpen(t *testing.T) {
	h := newHarness()
	c := mustCluster(t, h)
	defer c.Close()

	c.InitPipeline()
	defer c.CancelPipeline()
	_, err := c.Do("SHUTDOWN")
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}
