package node

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/jrydberg/nesoi/pkg/gossip"
)

// LogConfig configures the node's structured logger.
type LogConfig struct {
	Level      string   `json:"level" yaml:"level"`
	Subsystems []string `json:"subsystems" yaml:"subsystems"`
}

func (c *LogConfig) Validate() error {
	if c.Level == "" {
		return fmt.Errorf("missing level")
	}
	return nil
}

func (c *LogConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Level, "log.level", "info", `
Minimum log level to output.

The available levels are 'debug', 'info', 'warn' and 'error'.`)
	fs.StringSliceVar(&c.Subsystems, "log.subsystems", nil, `
Enable debug logging for the given subsystems regardless of '--log.level'.

Such as you can enable 'gossip' logs with '--log.subsystems gossip'.`)
}

// ElectionConfig configures the local node's participation in leader
// election.
type ElectionConfig struct {
	Priority  int           `json:"priority" yaml:"priority"`
	VoteDelay time.Duration `json:"vote_delay" yaml:"vote_delay"`
}

func (c *ElectionConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Priority, "election.priority", 0, `
Priority used to break leader election ties.

When more than one node holds the highest priority, the
lexicographically smallest node ID wins.`)
	fs.DurationVar(&c.VoteDelay, "election.vote-delay", 200*time.Millisecond, `
Base delay before tallying votes after a membership change.

The actual delay is jittered to coalesce flurries of membership events
into a single vote round.`)
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("missing listen addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "admin.listen-addr", ":6555", `
The host/port to listen on for the admin HTTP API (health, metrics,
status).`)
}

// DispatcherConfig configures the leader-only webhook notification
// dispatcher.
type DispatcherConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// RetryInterval is parsed but not read by any component: the
	// dispatcher runs no periodic resweep, and delivery is retried only on
	// the next triggering change or the sweep on becoming leader.
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
}

func (c *DispatcherConfig) Validate() error {
	if c.Timeout == 0 {
		return fmt.Errorf("missing timeout")
	}
	return nil
}

func (c *DispatcherConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.Timeout, "dispatcher.timeout", 3*time.Second, `
Timeout for webhook notification POST requests.

On timeout the watcher's last-hit is not advanced, so the next
triggering change retries delivery.`)
	fs.DurationVar(&c.RetryInterval, "dispatcher.retry-interval", 5*time.Minute, `
Accepted for configuration compatibility; not used. No periodic
resweep of watchers runs.`)
}

// Config is the full configuration for a nesoi node.
type Config struct {
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	ListenPort    int    `json:"listen_port" yaml:"listen_port"`
	DataFile      string `json:"data_file" yaml:"data_file"`
	Seed          string `json:"seed" yaml:"seed"`

	GracePeriodSeconds int `json:"grace_period_seconds" yaml:"grace_period_seconds"`

	Log        LogConfig        `json:"log" yaml:"log"`
	Election   ElectionConfig   `json:"election" yaml:"election"`
	Gossip     gossip.Config    `json:"gossip" yaml:"gossip"`
	Admin      AdminConfig      `json:"admin" yaml:"admin"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
}

func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("missing listen address")
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("missing listen port")
	}
	if c.DataFile == "" {
		return fmt.Errorf("missing data file")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	// The gossip bind addr is derived from listen-address/listen-port
	// (see New), so validate the gossip config with it filled in.
	gossipConf := c.Gossip
	gossipConf.BindAddr = fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
	if err := gossipConf.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddress, "listen-address", "", `
The host address to listen on for both gossip and the public REST API.

Required.`)
	fs.IntVar(&c.ListenPort, "listen-port", 6553, `
The port to listen on for gossip traffic (TCP and UDP). The public REST
API listens on the next port up (listen-port + 1).`)
	fs.StringVar(&c.DataFile, "data-file", "nesoi.data", `
Path to the local durable backing store.

Multiple nesoi processes must not open the same data file concurrently.`)
	fs.StringVar(&c.Seed, "seed", "", `
Address of an existing cluster member to join on startup.`)
	fs.IntVar(&c.GracePeriodSeconds, "grace-period-seconds", 30, `
Maximum number of seconds after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shut down before terminating.`)

	c.Log.RegisterFlags(fs)
	c.Election.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Dispatcher.RegisterFlags(fs)

	// Bind/advertise addr are derived from listen-address/listen-port
	// (gossip binds listen-port, the REST API listen-port + 1 on the same
	// listen address), so only interval and packet size are exposed.
	fs.DurationVar(&c.Gossip.Interval, "gossip.interval", 200*time.Millisecond, `
The interval to initiate rounds of gossip.

Each gossip round selects another known node to synchronize with.`)
	fs.IntVar(&c.Gossip.MaxPacketSize, "gossip.max-packet-size", 1400, `
The maximum size of any gossip packet sent.

Depending on your network's MTU you may be able to increase this to
include more data in each packet.`)
}
