package sealed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/core"
	shttp "github.com/drand/sealed/http"
	"github.com/drand/sealed/internal/config"
	"github.com/drand/sealed/internal/fs"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/ledger/boltdb"
	"github.com/drand/sealed/ledger/memdb"
	"github.com/drand/sealed/metrics"
	"github.com/drand/sealed/metrics/pprof"
	"github.com/drand/sealed/oracle"
	ohttp "github.com/drand/sealed/oracle/http"
	"github.com/drand/sealed/oracle/local"
)

const accessLogPerm = 0640

const shutdownTimeout = 5 * time.Second

// lockTimeout bounds the wait for the database lock a running daemon holds.
const lockTimeout = time.Second

const backupPerm = 0600

func startCmd(c *cli.Context, l log.Logger) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(listenFlag.Name) {
		conf.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		conf.Metrics = c.String(metricsFlag.Name)
	}
	if c.IsSet(accessLogFlag.Name) {
		conf.AccessLog = c.String(accessLogFlag.Name)
	}
	if c.IsSet(storageTypeFlag.Name) {
		conf.Store = c.String(storageTypeFlag.Name)
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := NewDaemon(ctx, conf, l)
	if err != nil {
		return fmt.Errorf("can't instantiate sealed daemon: %w", err)
	}

	if conf.Metrics != "" {
		if ml := metrics.Start(conf.Metrics, pprof.WithProfile()); ml != nil {
			defer ml.Close()
		}
	}

	handler := d.Handler()
	accessLog := os.Stdout
	if conf.AccessLog != "" {
		f, err := os.OpenFile(conf.AccessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, accessLogPerm)
		if err != nil {
			_ = d.Close()
			return fmt.Errorf("failed to open access log: %w", err)
		}
		defer f.Close()
		accessLog = f
	}
	handler = handlers.CombinedLoggingHandler(accessLog, handler)

	listener, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		_ = d.Close()
		return err
	}
	fmt.Fprintf(c.App.Writer, "Listening at %s\n", listener.Addr())
	return d.Serve(ctx, listener, handler)
}

// Daemon is a running engine with its oracle and its API.
type Daemon struct {
	conf   *config.Config
	log    log.Logger
	engine *core.Engine
	// local is nil for a remote oracle
	local *local.Oracle
}

// NewDaemon opens the store and builds the engine the configuration describes.
func NewDaemon(ctx context.Context, conf *config.Config, l log.Logger) (*Daemon, error) {
	aggScheme, err := conf.AggregateScheme()
	if err != nil {
		return nil, fmt.Errorf("aggregate scheme: %w", err)
	}
	sch, key, err := conf.OracleKey()
	if err != nil {
		return nil, fmt.Errorf("oracle key: %w", err)
	}
	verifier, err := core.NewVerifier(sch, key)
	if err != nil {
		return nil, err
	}

	d := &Daemon{conf: conf, log: l}
	var client oracle.Client
	switch conf.Oracle.Mode {
	case config.OracleLocal:
		keys, err := config.LoadOracleKeys(conf.Oracle.KeyFile)
		if err != nil {
			return nil, err
		}
		d.local, err = local.New(keys.Scheme, keys.Committee, keys.FieldKey, local.WithLogger(l))
		if err != nil {
			return nil, err
		}
		client = d.local
	case config.OracleHTTP:
		client = ohttp.New(l, conf.Oracle.URL, nil)
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", conf.Oracle.Mode)
	}

	store, err := openStore(ctx, conf, l)
	if err != nil {
		return nil, err
	}
	d.engine, err = core.NewEngine(store, aggScheme, verifier, client, conf.EngineOptions(l)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	l.Infow("engine ready", "store", conf.Store, "oracle", conf.Oracle.Mode,
		"aggregate", aggScheme.Name(), "proofs", sch.Name)
	return d, nil
}

func openStore(ctx context.Context, conf *config.Config, l log.Logger) (ledger.Store, error) {
	switch conf.Store {
	case config.StoreMemory:
		return memdb.NewStore(), nil
	case config.StoreBolt:
		if err := fs.CreateSecureFolder(conf.Folder); err != nil {
			return nil, err
		}
		return boltdb.NewBoltStore(ctx, l, conf.Folder, nil)
	default:
		return nil, fmt.Errorf("unknown store %q", conf.Store)
	}
}

func backupCmd(c *cli.Context, l log.Logger) error {
	if c.NArg() != 1 {
		return errors.New("backup takes the destination file as argument")
	}
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if conf.Store != config.StoreBolt {
		return fmt.Errorf("store %q keeps nothing on disk", conf.Store)
	}
	store, err := boltdb.NewBoltStore(c.Context, l, conf.Folder, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return fmt.Errorf("opening ledger (is the daemon running?): %w", err)
	}
	defer store.Close()

	dst := c.Args().First()
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, backupPerm)
	if err != nil {
		return err
	}
	if err := store.SaveTo(c.Context, f); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.Infow("ledger saved", "file", dst)
	_, err = fmt.Fprintf(c.App.Writer, "ledger saved to %s\n", dst)
	return err
}

// Engine returns the engine the daemon runs.
func (d *Daemon) Engine() *core.Engine {
	return d.engine
}

// Oracle returns the in-process oracle, nil when the oracle is remote.
func (d *Daemon) Oracle() *local.Oracle {
	return d.local
}

// Handler returns the API of the engine.
func (d *Daemon) Handler() http.Handler {
	return shttp.New(d.engine, d.log)
}

// Serve runs the API on listener, the expiry loop and the local oracle until
// ctx is done, then shuts everything down.
func (d *Daemon) Serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.engine.Run(runCtx)
	}()
	if d.local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.local.Run(runCtx, d.engine, d.conf.Oracle.Interval.Duration)
		}()
	}

	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
	}

	d.log.Infow("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	if err := server.Shutdown(shutCtx); err != nil {
		result = multierror.Append(result, err)
	}
	cancel()
	wg.Wait()
	if err := d.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Close stops the engine and closes the store.
func (d *Daemon) Close() error {
	return d.engine.Close()
}
