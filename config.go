package slotrouter

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultConnectTimeoutMs   = 1000
	defaultSendTimeoutMs      = 1000
	defaultReadTimeoutMs      = 1000
	defaultKeepaliveTimeoutMs = 55000
	defaultKeepaliveCons      = 10
	defaultMaxRedirections    = 5
	defaultMaxConnAttempts    = 3
	defaultMaxConnTimeoutMs   = 5000
	defaultRefreshThrottleMs  = 1000

	defaultRefreshLockKey = "slotrouter:refresh"
	initLockPrefix        = "slotrouter:init:"
)

// Config describes one cluster. It is immutable once passed to New.
// Timeouts are in milliseconds so a config file stays unit-free, mirroring
// the server-side timeout convention.
type Config struct {
	// Name identifies the cluster. The in-process slot cache and the shared
	// slots-info entry are both keyed by it.
	Name string `yaml:"name"`

	// ServList is the seed list in ip:port form. Any reachable node works;
	// the full topology is discovered from the first one that answers.
	ServList []string `yaml:"serv_list"`

	// Password is the optional AUTH secret
	Password string `yaml:"password"`

	ConnectTimeoutMs   int `yaml:"connect_timeout_ms"`
	SendTimeoutMs      int `yaml:"send_timeout_ms"`
	ReadTimeoutMs      int `yaml:"read_timeout_ms"`
	KeepaliveTimeoutMs int `yaml:"keepalive_timeout_ms"`

	// KeepaliveCons bounds the idle connections kept per node
	KeepaliveCons int `yaml:"keepalive_cons"`

	// MaxRedirections bounds the retry loop of a single command. Zero means
	// the default of 5.
	MaxRedirections int `yaml:"max_redirection"`

	// MaxConnAttempts bounds dial retries against one seed during bootstrap.
	// Zero means the default of 3.
	MaxConnAttempts int `yaml:"max_connection_attempts"`

	// MaxConnTimeoutMs is the wall-clock budget across all bootstrap dial
	// retries for one seed
	MaxConnTimeoutMs int `yaml:"max_connection_timeout_ms"`

	// EnableSlaveRead lets the node picker choose a replica (reached after a
	// READONLY handshake) as well as the master. The pick does not tell reads
	// from writes; it applies to every command.
	EnableSlaveRead bool `yaml:"enable_slave_read"`

	// RefreshLockKey names the non-blocking lock guarding topology refreshes
	RefreshLockKey string `yaml:"refresh_lock_key"`

	// RefreshThrottleMs is the minimum spacing between refreshes of one
	// cluster, collapsing refresh storms under sustained redirections
	RefreshThrottleMs int `yaml:"refresh_throttle_ms"`

	// Store persists the raw topology so freshly started clients can skip
	// the bootstrap query. Best effort; defaults to a process-wide map.
	Store Store `yaml:"-"`

	// Locks backs the init and refresh locks. Defaults to in-process keyed
	// mutexes.
	Locks Locker `yaml:"-"`

	// Logger receives operational events. Defaults to zap.NewNop().
	Logger *zap.Logger `yaml:"-"`

	// DialFunc overrides connection establishment, mainly for tests
	DialFunc func(addr string) (redis.Conn, error) `yaml:"-"`

	// DialOptions are appended to the default dial options
	DialOptions []redis.DialOption `yaml:"-"`
}

// LoadConfig reads a Config from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("cluster name is required")
	}
	if len(c.ServList) == 0 {
		return errors.New("serv_list is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeoutMs <= 0 {
		c.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if c.SendTimeoutMs <= 0 {
		c.SendTimeoutMs = defaultSendTimeoutMs
	}
	if c.ReadTimeoutMs <= 0 {
		c.ReadTimeoutMs = defaultReadTimeoutMs
	}
	if c.KeepaliveTimeoutMs <= 0 {
		c.KeepaliveTimeoutMs = defaultKeepaliveTimeoutMs
	}
	if c.KeepaliveCons <= 0 {
		c.KeepaliveCons = defaultKeepaliveCons
	}
	if c.MaxRedirections <= 0 {
		c.MaxRedirections = defaultMaxRedirections
	}
	if c.MaxConnAttempts <= 0 {
		c.MaxConnAttempts = defaultMaxConnAttempts
	}
	if c.MaxConnTimeoutMs <= 0 {
		c.MaxConnTimeoutMs = defaultMaxConnTimeoutMs
	}
	if c.RefreshThrottleMs <= 0 {
		c.RefreshThrottleMs = defaultRefreshThrottleMs
	}
	if c.RefreshLockKey == "" {
		c.RefreshLockKey = defaultRefreshLockKey
	}
	if c.Store == nil {
		c.Store = defaultStore
	}
	if c.Locks == nil {
		c.Locks = defaultLocker
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) sendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c *Config) readTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) keepaliveTimeout() time.Duration {
	return time.Duration(c.KeepaliveTimeoutMs) * time.Millisecond
}

func (c *Config) maxConnTimeout() time.Duration {
	return time.Duration(c.MaxConnTimeoutMs) * time.Millisecond
}

func (c *Config) refreshThrottle() time.Duration {
	return time.Duration(c.RefreshThrottleMs) * time.Millisecond
}
