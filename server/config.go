// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/redteamnet/arbiter/aggregator"
	"github.com/redteamnet/arbiter/cycle"
	"github.com/redteamnet/arbiter/logging"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultBackupName  = "results-backup.json"
	defaultAPIPort     = 8080

	defaultEpochInterval  = 10 * time.Minute
	defaultFinalizeHour   = 14
	defaultRevealDelay    = 24 * time.Hour
	defaultFetchTimeout   = 30 * time.Second
	defaultMinStake       = 1000
	defaultSimThreshold   = 0.6
	defaultTasksPerRun    = 10
	defaultPoolSize       = 4
	defaultTaskTimeout    = 2 * time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultScoreTimeout   = 10 * time.Minute
	defaultAcquireTimeout = time.Minute
	defaultReadyBudget    = 2 * time.Minute
	defaultCacheHotSize   = 1024
)

// Config defines the configuration options for arbiter.
//
// See loadConfig for further details regarding the
// configuration loading+parsing process.
type Config struct {
	ArbiterDir     string  `long:"arbiterdir" description:"The base directory that contains arbiter's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile" description:"Path to configuration file"                                                      short:"c"`
	DataDir        string  `long:"datadir"    description:"The directory to store arbiter's data within."                                   short:"b"`
	LogDir         string  `long:"logdir"     description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"   description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"    description:"Whether to log in JSON format"`
	RawAPIListener string  `long:"apilisten"  description:"The interface/port to listen for result query API connections"                   short:"w"`
	MetricsPort    *uint16 `long:"metrics-port" description:"The port to expose metrics"`

	// Challenges are declared as name=image[=baseline-image]; images
	// must be pinned by digest.
	RawChallenges []string `long:"challenge" description:"Challenge to score, as name=image[=baseline-image]"`
	// Validators are declared as id=stake=url.
	RawValidators []string `long:"validator" description:"Static validator entry, as id=stake=url"`
	StorageURL    string   `long:"storage-url" description:"Base URL of the central storage service to mirror results to"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Cycle   *CycleConfig   `group:"Cycle"`
	Sandbox *SandboxConfig `group:"Sandbox"`
}

type CycleConfig struct {
	EpochInterval       time.Duration `long:"epoch-interval"       description:"Delay between the end of one epoch tick and the start of the next"`
	FinalizeHour        int           `long:"finalize-hour"        description:"UTC hour after which the day's scores are finalized"`
	RevealDelay         time.Duration `long:"reveal-delay"         description:"How long after submission a payload must be decryptable"`
	FetchTimeout        time.Duration `long:"fetch-timeout"        description:"Timeout for each validator view fetch"`
	MinValidatorStake   float64       `long:"min-validator-stake"  description:"Stake below which a validator's view is not trusted"`
	SimilarityThreshold float64       `long:"similarity-threshold" description:"Similarity above which a penalty applies"`
	TasksPerRun         int           `long:"tasks-per-run"        description:"Tasks each miner faces per scoring run"`
}

type SandboxConfig struct {
	PoolSize       int           `long:"pool-size"        description:"Maximum concurrently running miner sandboxes"`
	NetworkName    string        `long:"network"          description:"Name of the isolated docker network"`
	AcquireTimeout time.Duration `long:"acquire-timeout"  description:"How long to wait for a miner sandbox slot"`
	ReadyBudget    time.Duration `long:"ready-budget"     description:"Total time budget for a sandbox readiness probe"`
	TaskTimeout    time.Duration `long:"task-timeout"     description:"Deadline for each task sent to a miner"`
	PollInterval   time.Duration `long:"poll-interval"    description:"Interval between grading status polls"`
	ScoreTimeout   time.Duration `long:"score-timeout"    description:"Total timeout for grading one task"`
	NanoCPUs       int64         `long:"nano-cpus"        description:"CPU limit per sandbox, in billionths of a CPU"`
	MemoryBytes    int64         `long:"memory-bytes"     description:"Memory limit per sandbox, in bytes"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	arbiterDir := "./arbiter"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		arbiterDir = filepath.Join(cacheDir, "arbiter")
	}

	return &Config{
		ArbiterDir:     arbiterDir,
		DataDir:        filepath.Join(arbiterDir, defaultDataDirname),
		LogDir:         filepath.Join(arbiterDir, defaultLogDirname),
		RawAPIListener: fmt.Sprintf("localhost:%d", defaultAPIPort),
		Cycle: &CycleConfig{
			EpochInterval:       defaultEpochInterval,
			FinalizeHour:        defaultFinalizeHour,
			RevealDelay:         defaultRevealDelay,
			FetchTimeout:        defaultFetchTimeout,
			MinValidatorStake:   defaultMinStake,
			SimilarityThreshold: defaultSimThreshold,
			TasksPerRun:         defaultTasksPerRun,
		},
		Sandbox: &SandboxConfig{
			PoolSize:       defaultPoolSize,
			NetworkName:    "arbiter-sandbox",
			AcquireTimeout: defaultAcquireTimeout,
			ReadyBudget:    defaultReadyBudget,
			TaskTimeout:    defaultTaskTimeout,
			PollInterval:   defaultPollInterval,
			ScoreTimeout:   defaultScoreTimeout,
		},
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided arbiter directory is not the default, we'll modify
	// the path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.ArbiterDir != defaultCfg.ArbiterDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.ArbiterDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.ArbiterDir, defaultLogDirname)
		}
	}

	// Create the arbiter directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.ArbiterDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.ArbiterDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// BackupFile is where the cache snapshot lives.
func (cfg *Config) BackupFile() string {
	return filepath.Join(cfg.DataDir, defaultBackupName)
}

// Challenges parses the raw challenge declarations.
func (cfg *Config) Challenges() ([]cycle.ChallengeSpec, error) {
	specs := make([]cycle.ChallengeSpec, 0, len(cfg.RawChallenges))
	for _, raw := range cfg.RawChallenges {
		parts := strings.Split(raw, "=")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid challenge %q, want name=image[=baseline-image]", raw)
		}
		spec := cycle.ChallengeSpec{
			Name:  parts[0],
			Image: parts[1],
			Tasks: cfg.Cycle.TasksPerRun,
		}
		if len(parts) == 3 {
			spec.BaselineImage = parts[2]
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validators parses the raw static validator entries.
func (cfg *Config) Validators() ([]aggregator.ValidatorInfo, error) {
	infos := make([]aggregator.ValidatorInfo, 0, len(cfg.RawValidators))
	for _, raw := range cfg.RawValidators {
		parts := strings.SplitN(raw, "=", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid validator %q, want id=stake=url", raw)
		}
		stake, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stake in %q: %w", raw, err)
		}
		infos = append(infos, aggregator.ValidatorInfo{ID: parts[0], Stake: stake, URL: parts[2]})
	}
	return infos, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// implement zap.ObjectMarshaler interface.
func (c CycleConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("epoch-interval", c.EpochInterval)
	enc.AddInt("finalize-hour", c.FinalizeHour)
	enc.AddDuration("reveal-delay", c.RevealDelay)
	enc.AddFloat64("similarity-threshold", c.SimilarityThreshold)

	return nil
}
