// Package config loads escrowd's settings the way the teacher's own
// lnd.go does: defaults baked into the struct, an INI file layered on
// top, and command-line flags layered on top of that, all via
// jessevdk/go-flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/releaser"
)

// Defaults mirror spec.md §9's documented values exactly; every field
// below names the section/key it corresponds to in a loaded INI file.
const (
	DefaultConfirmationsRequired = 3
	DefaultGracePeriodDays       = 14
	DefaultPBKDF2Iterations      = 100_000

	defaultConfigFilename = "escrowd.conf"
	defaultDataDirname    = "data"
	defaultHTTPAddr       = "localhost:8080"
	defaultGRPCAddr       = "localhost:8090"
	defaultLogFilename    = "logs/escrowd.log"
	defaultMaxLogFileSize = 10 // MB
	defaultMaxLogFiles    = 3
)

// LoggingConfig controls the rotating on-disk log file cmd/escrowd tees
// every log line into alongside stdout, mirroring the teacher's own
// -logdir/-maxlogfilesize/-maxlogfiles flags.
type LoggingConfig struct {
	LogFile       string `long:"logfile" description:"path to the rotating log file, relative to datadir unless absolute"`
	MaxLogFileMB  int    `long:"maxlogfilesize" description:"maximum log file size in megabytes before rotation" default:"10"`
	MaxLogFiles   int    `long:"maxlogfiles" description:"number of rotated log files to keep" default:"3"`
}

// BroadcastRetryConfig mirrors spec.md §9's `broadcastRetry` block; it
// converts directly to a releaser.RetryPolicy.
type BroadcastRetryConfig struct {
	MaxAttempts  int           `long:"maxattempts" description:"maximum broadcast attempts before surfacing to admin" default:"5"`
	InitialDelay time.Duration `long:"initialdelay" description:"delay before the first retry" default:"60s"`
	Multiplier   float64       `long:"multiplier" description:"exponential back-off multiplier" default:"3"`
	Jitter       float64       `long:"jitter" description:"randomization fraction applied to each delay" default:"0.2"`
}

// Policy converts this section into the shape releaser.Releaser expects.
func (b BroadcastRetryConfig) Policy() releaser.RetryPolicy {
	return releaser.RetryPolicy{
		MaxAttempts:  b.MaxAttempts,
		InitialDelay: b.InitialDelay,
		Multiplier:   b.Multiplier,
		Jitter:       b.Jitter,
	}
}

// RPCConfig bundles rpcserver's listen addresses and TLS material.
type RPCConfig struct {
	HTTPAddr string `long:"httpaddr" description:"JSON/gateway listen address" default:"localhost:8080"`
	GRPCAddr string `long:"grpcaddr" description:"health-only gRPC listen address" default:"localhost:8090"`

	TLSCertPath string `long:"tlscertpath" description:"path to the rpcserver TLS certificate"`
	TLSKeyPath  string `long:"tlskeypath" description:"path to the rpcserver TLS private key"`
	NoTLS       bool   `long:"notls" description:"serve plaintext instead of generating/loading a TLS certificate (development only)"`
}

// DBConfig holds auditlog's Postgres connection settings. The loan
// store itself is an embedded bbolt database rooted at DataDir, with no
// connection settings of its own to configure.
type DBConfig struct {
	Host     string `long:"host" description:"Postgres host" default:"localhost"`
	Port     int    `long:"port" description:"Postgres port" default:"5432"`
	Name     string `long:"dbname" description:"Postgres database name" default:"escrowcore"`
	User     string `long:"user" description:"Postgres user"`
	Password string `long:"password" description:"Postgres password"`
	SSLMode  string `long:"sslmode" description:"Postgres sslmode" default:"disable"`
}

// DSN builds the connection string auditlog.Open expects.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// Config is escrowd's full settings surface, per spec.md §9.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"display version and exit"`
	ConfigFile  string `long:"configfile" description:"path to escrowd's INI config file"`
	DataDir     string `long:"datadir" description:"directory holding certificates and other runtime state"`

	Network string `long:"network" description:"bitcoin network" choice:"mainnet" choice:"testnet" choice:"regtest" default:"mainnet"`

	LTVWarnThreshold  float64 `long:"ltvwarn" description:"LTV percentage that raises a Warning audit event" default:"75"`
	LTVAlertThreshold float64 `long:"ltvalert" description:"LTV percentage that raises an Alert audit event" default:"85"`
	LTVLiquidationThreshold float64 `long:"ltvliquidation" description:"LTV percentage that triggers automatic liquidation" default:"95"`

	ConfirmationsRequired int `long:"confirmationsrequired" description:"confirmations required before a deposit is treated as funded" default:"3"`
	GracePeriodDays       int `long:"graceperioddays" description:"days of grace added to the loan term when computing the recovery timelock" default:"14"`
	PBKDF2Iterations      int `long:"pbkdf2iterations" description:"PBKDF2 iteration count for passphrase-derived keys" default:"100000"`

	BroadcastRetry BroadcastRetryConfig `group:"broadcastretry" namespace:"broadcastretry"`
	RPC            RPCConfig            `group:"rpc" namespace:"rpc"`
	DB             DBConfig             `group:"db" namespace:"db"`
	Logging        LoggingConfig        `group:"logging" namespace:"logging"`
}

// LogFilePath resolves Logging.LogFile against DataDir, matching the
// teacher's own datadir-relative logging path convention.
func (c *Config) LogFilePath() string {
	if c.Logging.LogFile == "" {
		return filepath.Join(c.DataDir, defaultLogFilename)
	}
	if filepath.IsAbs(c.Logging.LogFile) {
		return c.Logging.LogFile
	}
	return filepath.Join(c.DataDir, c.Logging.LogFile)
}

// Thresholds converts the three configured LTV percentages into the
// triplet ltvmonitor.Monitor and rpcserver both consume.
func (c *Config) Thresholds() ltvmonitor.Thresholds {
	return ltvmonitor.Thresholds{c.LTVWarnThreshold, c.LTVAlertThreshold, c.LTVLiquidationThreshold}
}

// Default returns a Config populated with every spec.md §9 default, the
// same values Load falls back to when no config file or flag overrides
// them (go-flags applies struct `default` tags automatically, but
// callers constructing a Config directly in tests want the same values
// without going through flag parsing).
func Default() *Config {
	return &Config{
		Network:                 "mainnet",
		DataDir:                 defaultDataDirname,
		LTVWarnThreshold:        75,
		LTVAlertThreshold:       85,
		LTVLiquidationThreshold: 95,
		ConfirmationsRequired:   DefaultConfirmationsRequired,
		GracePeriodDays:         DefaultGracePeriodDays,
		PBKDF2Iterations:        DefaultPBKDF2Iterations,
		BroadcastRetry: BroadcastRetryConfig{
			MaxAttempts:  5,
			InitialDelay: 60 * time.Second,
			Multiplier:   3,
			Jitter:       0.2,
		},
		RPC:     RPCConfig{HTTPAddr: defaultHTTPAddr, GRPCAddr: defaultGRPCAddr},
		DB:      DBConfig{Host: "localhost", Port: 5432, Name: "escrowcore", SSLMode: "disable"},
		Logging: LoggingConfig{MaxLogFileMB: defaultMaxLogFileSize, MaxLogFiles: defaultMaxLogFiles},
	}
}

// Load parses command-line flags, then — if the file named by
// -configfile (datadir/escrowd.conf when empty) exists — layers that INI
// file on top, mirroring the
// teacher's own two-pass go-flags parse: flags first (so -configfile
// itself is known), then the INI file's values filling in anything the
// command line didn't set, then flags parsed a second time so a flag
// always wins over the file.
func Load(args []string) (*Config, error) {
	cfg := Default()

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = filepath.Join(cfg.DataDir, defaultConfigFilename)
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", cfg.ConfigFile, err)
		}
		// Flags still win over the file: re-apply them last.
		if _, err := parser.ParseArgs(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LTVWarnThreshold <= 0 || c.LTVAlertThreshold <= c.LTVWarnThreshold || c.LTVLiquidationThreshold <= c.LTVAlertThreshold {
		return fmt.Errorf("config: ltv thresholds must be strictly increasing (warn < alert < liquidation)")
	}
	if c.ConfirmationsRequired < 1 {
		return fmt.Errorf("config: confirmationsrequired must be at least 1")
	}
	if c.PBKDF2Iterations < 10_000 {
		return fmt.Errorf("config: pbkdf2iterations must be at least 10000")
	}
	return nil
}
