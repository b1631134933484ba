// Package config holds the daemon configuration file and the key files it
// points to.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/core"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/internal/fs"
)

const (
	// DefaultFolderName is the folder under the home directory holding the
	// daemon files.
	DefaultFolderName = ".sealed"
	// DefaultConfigFile is the name of the configuration file in the folder.
	DefaultConfigFile = "sealed.toml"
	// DefaultListen is the address of the public API.
	DefaultListen = "127.0.0.1:8080"

	StoreBolt   = "bolt"
	StoreMemory = "memory"

	OracleLocal = "local"
	OracleHTTP  = "http"
)

const filePerm = 0600

// Duration is a time.Duration written as "90s" in configuration files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AggregateConfig selects the homomorphic scheme of the aggregates.
type AggregateConfig struct {
	// Scheme is one of clear, paillier, bfv
	Scheme string
	// KeyFile holds the public key, written by keygen. Unused for clear.
	KeyFile string
}

// OracleConfig selects the decryption oracle.
type OracleConfig struct {
	// Mode is local (in process) or http (remote)
	Mode string
	// URL is the root of a remote oracle
	URL string
	// ProofScheme names the scheme of the oracle proofs
	ProofScheme string
	// PublicKey is the hex oracle key proofs verify against, for remote
	// oracles
	PublicKey string
	// KeyFile holds the committee and field key of a local oracle
	KeyFile string
	// Interval is how often a local oracle answers at the latest
	Interval Duration
}

// Config is the daemon configuration.
type Config struct {
	Folder          string
	Store           string
	Listen          string
	Metrics         string
	AccessLog       string
	LogLevel        string
	LogJSON         bool
	PendingTTL      Duration
	ExpiryInterval  Duration
	RevealCacheSize int
	Aggregate       AggregateConfig
	Oracle          OracleConfig
}

// DefaultFolder is the folder of the daemon files under the home directory.
func DefaultFolder() string {
	return path.Join(fs.HomeFolder(), DefaultFolderName)
}

// Path returns the location of the configuration file in c's folder.
func (c *Config) Path() string {
	return path.Join(c.Folder, DefaultConfigFile)
}

// Default returns the configuration used for anything a file leaves unset.
func Default(folder string) *Config {
	return &Config{
		Folder:          folder,
		Store:           StoreBolt,
		Listen:          DefaultListen,
		LogLevel:        "info",
		PendingTTL:      Duration{core.DefaultPendingTTL},
		ExpiryInterval:  Duration{core.DefaultExpiryInterval},
		RevealCacheSize: core.DefaultRevealCacheSize,
		Aggregate: AggregateConfig{
			Scheme: he.ClearSchemeName,
		},
		Oracle: OracleConfig{
			Mode:        OracleLocal,
			ProofScheme: crypto.DefaultSchemeID,
			KeyFile:     path.Join(folder, OracleKeyFile),
			Interval:    Duration{time.Second},
		},
	}
}

// Load reads the file at p over the defaults and validates the result.
func Load(p, folder string) (*Config, error) {
	c := Default(folder)
	if _, err := toml.DecodeFile(p, c); err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c as TOML to p.
func (c *Config) Save(p string) error {
	fd, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(c)
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var result error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Store {
	case StoreBolt:
		if c.Folder == "" {
			add("bolt store needs a folder")
		}
	case StoreMemory:
	default:
		add("unknown store %q", c.Store)
	}
	if c.Listen == "" {
		add("no listen address")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("%v", err)
	}
	if c.PendingTTL.Duration < 0 {
		add("negative pending ttl")
	}
	if c.PendingTTL.Duration > 0 && c.ExpiryInterval.Duration <= 0 {
		add("expiry interval must be positive when a pending ttl is set")
	}
	if c.RevealCacheSize < 0 {
		add("negative reveal cache size")
	}

	switch c.Aggregate.Scheme {
	case he.ClearSchemeName:
	case SchemePaillier, SchemeBFV:
		if c.Aggregate.KeyFile == "" {
			add("aggregate scheme %s needs a key file", c.Aggregate.Scheme)
		}
	default:
		add("unknown aggregate scheme %q", c.Aggregate.Scheme)
	}

	if _, err := crypto.SchemeFromName(c.Oracle.ProofScheme); err != nil {
		add("%v", err)
	}
	switch c.Oracle.Mode {
	case OracleLocal:
		if c.Oracle.KeyFile == "" {
			add("local oracle needs a key file")
		}
		if c.Oracle.Interval.Duration <= 0 {
			add("local oracle interval must be positive")
		}
	case OracleHTTP:
		if c.Oracle.URL == "" {
			add("http oracle needs a url")
		}
		if c.Oracle.PublicKey == "" {
			add("http oracle needs a public key")
		}
	default:
		add("unknown oracle mode %q", c.Oracle.Mode)
	}
	return result
}

// EngineOptions translates the configuration into engine options.
func (c *Config) EngineOptions(l log.Logger) []core.Option {
	return []core.Option{
		core.WithLogger(l),
		core.WithPendingTTL(c.PendingTTL.Duration),
		core.WithExpiryInterval(c.ExpiryInterval.Duration),
		core.WithRevealCacheSize(c.RevealCacheSize),
	}
}

// ErrNoKeyFile is returned when a key file named by the configuration is
// missing.
var ErrNoKeyFile = errors.New("key file not found")
