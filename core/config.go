package core

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drand/sealed/common/log"
)

const (
	// DefaultPendingTTL is how long a decryption request may stay unanswered
	// before the expiry loop abandons it.
	DefaultPendingTTL = 10 * time.Minute
	// DefaultExpiryInterval is how often the expiry loop runs.
	DefaultExpiryInterval = time.Minute
	// DefaultRevealCacheSize is the number of revealed records kept in memory.
	DefaultRevealCacheSize = 1024
)

// Option is a function that applies a specific setting to a Config.
type Option func(*Config)

// Config holds the tunables of an Engine.
type Config struct {
	logger          log.Logger
	clock           clockwork.Clock
	pendingTTL      time.Duration
	expiryInterval  time.Duration
	revealCacheSize int
	callbacks       map[string]func(Event)
}

// NewConfig returns the config to pass to NewEngine with the default options
// set and the updated values given by the options.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		logger:          log.DefaultLogger(),
		clock:           clockwork.NewRealClock(),
		pendingTTL:      DefaultPendingTTL,
		expiryInterval:  DefaultExpiryInterval,
		revealCacheSize: DefaultRevealCacheSize,
		callbacks:       make(map[string]func(Event)),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// Logger returns the logger the engine uses.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// Clock returns the clock the engine timestamps with.
func (c *Config) Clock() clockwork.Clock {
	return c.clock
}

// PendingTTL returns the age after which pending requests expire. Zero
// disables expiry.
func (c *Config) PendingTTL() time.Duration {
	return c.pendingTTL
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}

// WithClock sets the clock used for timestamps and the expiry loop.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithPendingTTL sets how long a request may stay pending. Zero disables
// expiry.
func WithPendingTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.pendingTTL = ttl
	}
}

// WithExpiryInterval sets how often Run looks for expired requests.
func WithExpiryInterval(d time.Duration) Option {
	return func(c *Config) {
		c.expiryInterval = d
	}
}

// WithRevealCacheSize sets the number of revealed records cached by Get. Zero
// disables the cache.
func WithRevealCacheSize(n int) Option {
	return func(c *Config) {
		c.revealCacheSize = n
	}
}

// WithCallback registers fn to be called with every engine event. If a
// callback with the same id exists, it is overwritten.
func WithCallback(id string, fn func(Event)) Option {
	return func(c *Config) {
		c.callbacks[id] = fn
	}
}
