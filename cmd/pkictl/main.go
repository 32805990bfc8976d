// Package main is the entry point for pkictl, a command line client for
// the Vault PKI secrets engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/vaultpki/pkg/vaultpki"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	mount       string
	role        string
	timeout     time.Duration
	showVersion bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pkictl", flag.ContinueOnError)

	flags := cliFlags{}
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault("PKICTL_CONFIG_PATH", "pkictl.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("PKICTL_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&flags.mount, "mount", "pki", "PKI secrets engine mount path")
	fs.StringVar(&flags.role, "role", "", "PKI role name")
	fs.DurationVar(&flags.timeout, "timeout", 30*time.Second, "Operation timeout")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if flags.showVersion {
		fmt.Printf("pkictl version %s (%s)\n", version, gitCommit)
		return 0
	}

	if fs.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	logger, err := initLogger(flags.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client, err := vaultpki.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create vault client", zap.Error(err))
		return 1
	}
	defer func() { _ = client.Close() }()

	if err := client.Login(ctx); err != nil {
		logger.Error("failed to authenticate", zap.Error(err))
		return 1
	}

	factory := vaultpki.NewFactory(client, logger)

	if err := dispatch(ctx, factory, flags, fs.Args()); err != nil {
		logger.Error("command failed", zap.String("command", fs.Arg(0)), zap.Error(err))
		return 1
	}

	return 0
}

const usage = `usage: pkictl [flags] <command> [args]

commands:
  status                     show mount status for -mount
  enable                     enable a PKI engine at -mount
  disable                    disable the engine at -mount
  root <common-name>         generate the engine's root CA
  role <domain>...           write -role allowing the given domains
  issue <common-name>        generate a certificate under -role
  sign <csr-file>            sign a CSR file under -role
  revoke <serial>            revoke a certificate by serial number
  crl                        print the engine's revocation list
`

// initLogger builds a console zap logger at the given level.
func initLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// loadConfig reads and validates the client configuration file.
func loadConfig(path string) (*vaultpki.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := vaultpki.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnvOrDefault returns the environment value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
