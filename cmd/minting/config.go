package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
)

// Config are the run settings of a minting invocation. Flags override the
// config file.
type Config struct {
	LogFile    string
	ReceiptDir string
	Overview   string
	Payments   string
	Retries    string
	// AllowedPeriod restricts the run to a single period offset; negative
	// means any period is allowed. Release builds for a payout ship with
	// this pinned.
	AllowedPeriod int64
	Reconcile     bool
	Horizon       string
}

// loadConfig merges the optional TOML config file with the command line
// flags.
func loadConfig(ctx *cli.Context) (Config, error) {
	cfg := Config{
		LogFile:       logFileFlag.Value,
		ReceiptDir:    receiptDirFlag.Value,
		Overview:      overviewFlag.Value,
		Payments:      paymentsFlag.Value,
		Retries:       retriesFlag.Value,
		AllowedPeriod: allowedPeriodFlag.Value,
		Horizon:       horizonFlag.Value,
	}
	if path := ctx.String(configFlag.Name); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.LogFile = ctx.String(logFileFlag.Name)
	}
	if ctx.IsSet(receiptDirFlag.Name) {
		cfg.ReceiptDir = ctx.String(receiptDirFlag.Name)
	}
	if ctx.IsSet(overviewFlag.Name) {
		cfg.Overview = ctx.String(overviewFlag.Name)
	}
	if ctx.IsSet(paymentsFlag.Name) {
		cfg.Payments = ctx.String(paymentsFlag.Name)
	}
	if ctx.IsSet(retriesFlag.Name) {
		cfg.Retries = ctx.String(retriesFlag.Name)
	}
	if ctx.IsSet(allowedPeriodFlag.Name) {
		cfg.AllowedPeriod = ctx.Int64(allowedPeriodFlag.Name)
	}
	if ctx.IsSet(reconcileFlag.Name) {
		cfg.Reconcile = ctx.Bool(reconcileFlag.Name)
	}
	if ctx.IsSet(horizonFlag.Name) {
		cfg.Horizon = ctx.String(horizonFlag.Name)
	}
	return cfg, nil
}
