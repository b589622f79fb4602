// ABOUTME: CLI configuration: flag parsing plus an optional YAML engine config file.
// ABOUTME: Flags given explicitly on the command line win over values from the file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config holds all CLI configuration parsed from flags, the config file, and
// positional arguments.
type config struct {
	validateOnly bool
	planOnly     bool
	serve        bool
	resumeRunID  string
	runID        string
	addr         string
	configFile   string
	inputsFile   string
	dataDir      string
	storeKind    string
	cacheKind    string
	cacheSize    int
	cacheTTL     time.Duration
	progressDir  string
	concurrency  int
	taskTimeout  time.Duration
	retryPolicy  string
	maxAttempts  int
	openAIURL    string
	openAIModel  string
	verbose      bool
	showVersion  bool

	pipelineFiles []string
}

// fileConfig is the YAML shape of the -config file.
type fileConfig struct {
	DataDir        string `yaml:"data_dir"`
	Store          string `yaml:"store"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	TaskTimeout    string `yaml:"task_timeout"`
	Retry          string `yaml:"retry"`
	MaxAttempts    int    `yaml:"max_attempts"`
	ProgressDir    string `yaml:"progress_dir"`
	Addr           string `yaml:"addr"`
	Cache          struct {
		Backend string `yaml:"backend"`
		Size    int    `yaml:"size"`
		TTL     string `yaml:"ttl"`
	} `yaml:"cache"`
	OpenAI struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`
}

// parseFlags parses args (without the program name). A -config file is
// applied underneath the explicitly set flags.
func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("pipewright", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate the pipeline without executing")
	fs.BoolVar(&cfg.planOnly, "plan", false, "Print the execution layers without executing")
	fs.BoolVar(&cfg.serve, "serve", false, "Start the HTTP API with the given pipelines registered")
	fs.StringVar(&cfg.resumeRunID, "resume", "", "Resume a checkpointed run by id")
	fs.StringVar(&cfg.runID, "run-id", "", "Explicit run id (default: new ULID)")
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:2389", "HTTP listen address for -serve")
	fs.StringVar(&cfg.configFile, "config", "", "YAML engine config file")
	fs.StringVar(&cfg.inputsFile, "inputs", "", "YAML file of initial inputs (node -> port -> value)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Persistent state directory (default: $PIPEWRIGHT_DATA_DIR, then $XDG_DATA_HOME/pipewright)")
	fs.StringVar(&cfg.storeKind, "store", "fs", "Checkpoint store: fs, sqlite, memory, none")
	fs.StringVar(&cfg.cacheKind, "cache", "memory", "Result cache: memory, sqlite, none")
	fs.IntVar(&cfg.cacheSize, "cache-size", 1024, "Entry bound for the memory cache")
	fs.DurationVar(&cfg.cacheTTL, "cache-ttl", 0, "Result cache entry lifetime (0 = no expiry)")
	fs.StringVar(&cfg.progressDir, "progress-dir", "", "Write progress.ndjson and live.json per run under this directory")
	fs.IntVar(&cfg.concurrency, "concurrency", 4, "Maximum tasks running at once per run")
	fs.DurationVar(&cfg.taskTimeout, "task-timeout", 0, "Default per-task timeout (0 = none)")
	fs.StringVar(&cfg.retryPolicy, "retry", "standard", "Retry policy: none, standard, aggressive, linear, patient")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", 0, "Default attempt budget (0 = the retry policy's)")
	fs.StringVar(&cfg.openAIURL, "openai-base-url", "", "Base URL for an OpenAI-compatible endpoint")
	fs.StringVar(&cfg.openAIModel, "openai-model", "", "Default model for openai.chat nodes")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose development logging")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(stderr, version)
	}

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.pipelineFiles = fs.Args()

	if cfg.configFile != "" {
		fc, err := loadFileConfig(cfg.configFile)
		if err != nil {
			return cfg, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := applyFileConfig(&cfg, fc, set); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("decode config %s: %w", path, err)
	}
	return fc, nil
}

// applyFileConfig copies file values into cfg for every flag the user did
// not set explicitly.
func applyFileConfig(cfg *config, fc fileConfig, set map[string]bool) error {
	str := func(flagName string, dst *string, v string) {
		if v != "" && !set[flagName] {
			*dst = v
		}
	}
	num := func(flagName string, dst *int, v int) {
		if v != 0 && !set[flagName] {
			*dst = v
		}
	}
	dur := func(flagName string, dst *time.Duration, v string) error {
		if v == "" || set[flagName] {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config %s: %w", flagName, err)
		}
		*dst = d
		return nil
	}

	str("data-dir", &cfg.dataDir, fc.DataDir)
	str("store", &cfg.storeKind, fc.Store)
	str("retry", &cfg.retryPolicy, fc.Retry)
	str("progress-dir", &cfg.progressDir, fc.ProgressDir)
	str("addr", &cfg.addr, fc.Addr)
	str("cache", &cfg.cacheKind, fc.Cache.Backend)
	str("openai-base-url", &cfg.openAIURL, fc.OpenAI.BaseURL)
	str("openai-model", &cfg.openAIModel, fc.OpenAI.Model)
	num("concurrency", &cfg.concurrency, fc.MaxConcurrency)
	num("max-attempts", &cfg.maxAttempts, fc.MaxAttempts)
	num("cache-size", &cfg.cacheSize, fc.Cache.Size)
	return errors.Join(
		dur("task-timeout", &cfg.taskTimeout, fc.TaskTimeout),
		dur("cache-ttl", &cfg.cacheTTL, fc.Cache.TTL),
	)
}
