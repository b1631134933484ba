// Package sealed is the command line of the sealed records daemon.
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/drand/kyber"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/drand/sealed/common"
	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/internal/config"
	"github.com/drand/sealed/internal/fs"
	"github.com/drand/sealed/ledger"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.buildDate=$(date -u +%d/%m/%Y@%H:%M:%S) -X main.gitCommit=$(git rev-parse HEAD)"
var (
	gitCommit = "none"
	buildDate = "unknown"
)

var SetVersionPrinter sync.Once

func banner(w io.Writer) {
	version := common.GetAppVersion()
	_, _ = fmt.Fprintf(w, "sealed %s (date %v, commit %v)\n", version.String(), buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   config.DefaultFolder(),
	Usage:   "Folder to keep the configuration, the keys and the ledger database, with absolute path.",
	EnvVars: []string{"SEALED_FOLDER"},
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Configuration file to use instead of the one in the folder.",
	EnvVars: []string{"SEALED_CONFIG"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"SEALED_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Set the output as json format",
	EnvVars: []string{"SEALED_JSON"},
}

var listenFlag = &cli.StringFlag{
	Name:    "listen",
	Usage:   "Set the listening (binding) address of the API, overriding the configuration.",
	EnvVars: []string{"SEALED_LISTEN"},
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"SEALED_METRICS"},
}

var accessLogFlag = &cli.StringFlag{
	Name:    "access-log",
	Usage:   "File to log http accesses to. Accesses go to stdout by default.",
	EnvVars: []string{"SEALED_ACCESS_LOG"},
}

var storageTypeFlag = &cli.StringFlag{
	Name:    "db",
	Usage:   "Which database engine to use. Supported values: bolt or memory.",
	EnvVars: []string{"SEALED_DB"},
}

var thresholdFlag = &cli.IntFlag{
	Name:    "threshold",
	Usage:   "Number of oracle shares needed to produce a proof",
	Value:   2,
	EnvVars: []string{"SEALED_THRESHOLD"},
}

var committeeFlag = &cli.IntFlag{
	Name:    "nodes",
	Usage:   "Number of oracle shares to deal",
	Value:   3,
	EnvVars: []string{"SEALED_NODES"},
}

var aggregateFlag = &cli.StringFlag{
	Name:    "aggregate",
	Usage:   "Homomorphic scheme of the category counts: clear, paillier or bfv.",
	Value:   he.ClearSchemeName,
	EnvVars: []string{"SEALED_AGGREGATE"},
}

var bitsFlag = &cli.IntFlag{
	Name:    "paillier-bits",
	Usage:   "Modulus size of the paillier key",
	Value:   2048,
	EnvVars: []string{"SEALED_PAILLIER_BITS"},
}

var partiesFlag = &cli.IntFlag{
	Name:    "parties",
	Usage:   "Number of paillier secret shares",
	Value:   3,
	EnvVars: []string{"SEALED_PARTIES"},
}

var partiesThresholdFlag = &cli.IntFlag{
	Name:    "parties-threshold",
	Usage:   "Number of paillier secret shares needed to decrypt a count",
	Value:   2,
	EnvVars: []string{"SEALED_PARTIES_THRESHOLD"},
}

var forceFlag = &cli.BoolFlag{
	Name:    "force",
	Aliases: []string{"f"},
	Usage:   "Overwrite existing keys",
	EnvVars: []string{"SEALED_FORCE"},
}

var fieldKeyFlag = &cli.StringFlag{
	Name:    "field-key",
	Usage:   "Hex key to seal the fields to. Read from the local oracle keys when absent.",
	EnvVars: []string{"SEALED_FIELD_KEY"},
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the sealed records daemon.",
		Flags: toArray(folderFlag, configFlag, listenFlag, metricsFlag,
			accessLogFlag, storageTypeFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("startCmd")
			return startCmd(c, l)
		},
	},
	{
		Name: "keygen",
		Usage: "Generate the local oracle keys, the aggregate keys and a default " +
			"configuration in the folder.",
		Flags: toArray(folderFlag, thresholdFlag, committeeFlag, aggregateFlag,
			bitsFlag, partiesFlag, partiesThresholdFlag, forceFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("keygenCmd")
			return keygenCmd(c, l)
		},
	},
	{
		Name:      "encrypt",
		Usage:     "Seal a record to the oracle and print the body to submit.",
		ArgsUsage: "<title> <content> <category>",
		Flags:     toArray(folderFlag, configFlag, fieldKeyFlag),
		Action: func(c *cli.Context) error {
			return encryptCmd(c)
		},
	},
	{
		Name:      "backup",
		Usage:     "Copy the ledger database of a stopped daemon to a new file.",
		ArgsUsage: "<file>",
		Flags:     toArray(folderFlag, configFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			l := log.New(nil, logLevel(c), logJSON(c)).
				Named("backupCmd")
			return backupCmd(c, l)
		},
	},
	{
		Name:  "show",
		Usage: "Local information retrieval about the daemon keys.",
		Subcommands: []*cli.Command{
			{
				Name:  "oracle",
				Usage: "shows the oracle key proofs verify against and the key fields are sealed to.\n",
				Flags: toArray(folderFlag, configFlag),
				Action: func(c *cli.Context) error {
					return showOracleCmd(c)
				},
			},
			{
				Name:  "config",
				Usage: "shows the configuration the daemon would start with.\n",
				Flags: toArray(folderFlag, configFlag),
				Action: func(c *cli.Context) error {
					return showConfigCmd(c)
				},
			},
		},
	},
}

// CLI runs the sealed app
func CLI() *cli.App {
	version := common.GetAppVersion()

	app := cli.NewApp()
	app.Name = "sealed"

	SetVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			fmt.Fprintf(c.App.Writer, "sealed %s (date %v, commit %v)\n", version, buildDate, gitCommit)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version.String()
	app.Usage = "verifiable reveal of encrypted records"
	// we need to copy the underlying commands to avoid races, cli sadly doesn't support concurrent executions well
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	verbFlag := *verboseFlag
	foldFlag := *folderFlag
	app.Flags = toArray(&verbFlag, &foldFlag)
	return app
}

func keygenCmd(c *cli.Context, l log.Logger) error {
	folder := c.String(folderFlag.Name)
	if err := fs.CreateSecureFolder(folder); err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	conf := config.Default(folder)
	if exists, _ := fs.Exists(conf.Oracle.KeyFile); exists && !c.Bool(forceFlag.Name) {
		return fmt.Errorf("keys already present in %s, remove them or use --%s", folder, forceFlag.Name)
	}

	sch := crypto.NewDefaultScheme()
	keys, err := config.NewOracleKeys(sch, c.Int(thresholdFlag.Name), c.Int(committeeFlag.Name))
	if err != nil {
		return err
	}
	if err := config.SaveOracleKeys(conf.Oracle.KeyFile, keys); err != nil {
		return fmt.Errorf("saving oracle keys: %w", err)
	}
	l.Infow("oracle keys generated", "file", conf.Oracle.KeyFile,
		"threshold", keys.Committee.Threshold, "shares", len(keys.Committee.Shares))

	conf.Aggregate.Scheme = c.String(aggregateFlag.Name)
	if conf.Aggregate.Scheme != he.ClearSchemeName {
		parties, threshold := c.Int(partiesFlag.Name), c.Int(partiesThresholdFlag.Name)
		if parties <= 0 || parties > 255 || threshold <= 0 || threshold > parties {
			return fmt.Errorf("invalid aggregate threshold %d of %d", threshold, parties)
		}
		pub, secret, err := config.GenerateAggregateKeys(conf.Aggregate.Scheme,
			c.Int(bitsFlag.Name), uint8(threshold), uint8(parties))
		if err != nil {
			return err
		}
		conf.Aggregate.KeyFile = path.Join(folder, config.AggregateKeyFile)
		secretPath := path.Join(folder, config.AggregateSecretFile)
		if err := config.SaveAggregateKeys(conf.Aggregate.KeyFile, secretPath, pub, secret); err != nil {
			return fmt.Errorf("saving aggregate keys: %w", err)
		}
		l.Infow("aggregate keys generated", "scheme", conf.Aggregate.Scheme, "public", conf.Aggregate.KeyFile, "secret", secretPath)
	}

	if err := conf.Validate(); err != nil {
		return err
	}
	if err := conf.Save(conf.Path()); err != nil {
		return fmt.Errorf("saving configuration: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Generated keys and configuration at %s\n", folder)
	return printOracle(c.App.Writer, keys.Scheme, keys)
}

func encryptCmd(c *cli.Context) error {
	if c.NArg() != ledger.FieldCount {
		return fmt.Errorf("encrypt expects %d arguments: title, content and category", ledger.FieldCount)
	}
	sch, public, err := fieldKey(c)
	if err != nil {
		return err
	}
	args := c.Args().Slice()
	sealed := make([]he.Ciphertext, len(args))
	for i, a := range args {
		if sealed[i], err = sch.SealField(public, []byte(a)); err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, &ledger.Ciphertexts{
		Title:    sealed[0],
		Content:  sealed[1],
		Category: sealed[2],
	})
}

func showOracleCmd(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if conf.Oracle.Mode != config.OracleLocal {
		sch, key, err := conf.OracleKey()
		if err != nil {
			return err
		}
		h, err := crypto.PointToHex(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "scheme: %s\noracle key: %s\n", sch.Name, h)
		return nil
	}
	keys, err := config.LoadOracleKeys(conf.Oracle.KeyFile)
	if err != nil {
		return err
	}
	return printOracle(c.App.Writer, keys.Scheme, keys)
}

func showConfigCmd(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := toml.NewEncoder(&buff).Encode(conf); err != nil {
		return err
	}
	_, err = c.App.Writer.Write(buff.Bytes())
	return err
}

func printOracle(w io.Writer, sch *crypto.Scheme, keys *config.OracleKeys) error {
	key, err := crypto.PointToHex(keys.Committee.Key())
	if err != nil {
		return err
	}
	field, err := crypto.PointToHex(keys.FieldPublic())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "scheme: %s\noracle key: %s\nfield key: %s\n", sch.Name, key, field)
	return err
}

// fieldKey returns the key to seal fields to: the flag, else the local
// oracle's.
func fieldKey(c *cli.Context) (*crypto.Scheme, kyber.Point, error) {
	if c.IsSet(fieldKeyFlag.Name) {
		sch := crypto.NewDefaultScheme()
		p, err := crypto.PointFromHex(sch.KeyGroup, c.String(fieldKeyFlag.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid field key: %w", err)
		}
		return sch, p, nil
	}
	conf, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if conf.Oracle.Mode != config.OracleLocal {
		return nil, nil, fmt.Errorf("remote oracle: pass its field key with --%s", fieldKeyFlag.Name)
	}
	keys, err := config.LoadOracleKeys(conf.Oracle.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	return keys.Scheme, keys.FieldPublic(), nil
}

// loadConfig reads the configuration file of the folder, or the one given by
// flag. A missing file in the folder yields the defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	folder := c.String(folderFlag.Name)
	p := path.Join(folder, config.DefaultConfigFile)
	if c.IsSet(configFlag.Name) {
		p = c.String(configFlag.Name)
	} else if exists, err := fs.Exists(p); err != nil {
		return nil, err
	} else if !exists {
		conf := config.Default(folder)
		return conf, conf.Validate()
	}
	return config.Load(p, folder)
}

func printJSON(w io.Writer, v interface{}) error {
	buff, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}
	_, err = fmt.Fprintln(w, string(buff))
	return err
}

func isVerbose(c *cli.Context) bool {
	return c.IsSet(verboseFlag.Name)
}

func logLevel(c *cli.Context) int {
	if isVerbose(c) {
		return log.DebugLevel
	}

	return log.InfoLevel
}

func logJSON(c *cli.Context) bool {
	return c.Bool(jsonFlag.Name)
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}
