// minting computes the token rewards of every node on the grid for a single
// payout period, by replaying the chain event log.
//
// Usage:
//
//	minting [flags] <period_offset> <chain_url>
package main

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/threefoldtech/minting"
	"github.com/threefoldtech/minting/chain"
	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/receipt"
	"github.com/threefoldtech/minting/stellar"
	"github.com/threefoldtech/minting/types"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file with run settings",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "File receiving the detailed minting trail",
		Value: "minting_log.txt",
	}
	receiptDirFlag = &cli.StringFlag{
		Name:  "receipt-dir",
		Usage: "Base directory receipts are written to",
		Value: "receipts",
	}
	overviewFlag = &cli.StringFlag{
		Name:  "overview",
		Usage: "Path of the per-node overview file",
		Value: "overview.csv",
	}
	paymentsFlag = &cli.StringFlag{
		Name:  "payments",
		Usage: "Path of the payout summary file",
		Value: "payments.csv",
	}
	retriesFlag = &cli.StringFlag{
		Name:  "retries",
		Usage: "Path of the retried payout summary file",
		Value: "retries.csv",
	}
	allowedPeriodFlag = &cli.Int64Flag{
		Name:  "allowed-period",
		Usage: "Restrict the binary to a single period offset, negative for any",
		Value: -1,
	}
	reconcileFlag = &cli.BoolFlag{
		Name:  "reconcile",
		Usage: "Drop payouts whose receipt hash is already a payment memo on horizon",
	}
	horizonFlag = &cli.StringFlag{
		Name:  "horizon",
		Usage: "Horizon endpoint used for payout reconciliation",
		Value: params.HorizonURL,
	}
)

func main() {
	app := &cli.App{
		Name:      "minting",
		Usage:     "compute node payouts for a minting period",
		ArgsUsage: "<period_offset> <chain_url>",
		Flags: []cli.Flag{
			configFlag, logFileFlag, receiptDirFlag, overviewFlag,
			paymentsFlag, retriesFlag, allowedPeriodFlag, reconcileFlag,
			horizonFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("Minting run failed", "err", err)
	}
}

func run(ctx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	if ctx.NArg() != 2 {
		return fmt.Errorf("expected 2 arguments, got %d", ctx.NArg())
	}
	offset, err := strconv.ParseInt(ctx.Args().Get(0), 10, 64)
	if err != nil || offset < 0 {
		return fmt.Errorf("malformed period offset %q", ctx.Args().Get(0))
	}
	wssURL := ctx.Args().Get(1)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.AllowedPeriod >= 0 && offset != cfg.AllowedPeriod {
		return fmt.Errorf("this binary only mints period %d", cfg.AllowedPeriod)
	}

	logFile, err := os.Create(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()
	trail := log.NewLogger(log.NewTerminalHandlerWithLevel(logFile, log.LevelDebug, false))

	period := types.PeriodAtOffset(offset)
	log.Info("Start minting", "period", offset, "start", period.Start, "end", period.End)
	trail.Info("Start minting", "period", offset, "start", period.Start, "end", period.End)

	dial := func() (chain.RuntimeClient, error) {
		return chain.NewDynamicClient(wssURL)
	}
	engine := minting.NewEngine(dial, period, trail)
	if err := engine.Run(); err != nil {
		return err
	}

	receipts := engine.Receipts()

	// Persist receipts; the hex encoded hash doubles as the file name and
	// the payment memo.
	receiptDir := filepath.Join(cfg.ReceiptDir, strconv.FormatInt(offset, 10))
	pending := make(map[[32]byte]minting.NodeReceipt, len(receipts))
	for _, nr := range receipts {
		hash, err := nr.Receipt.Save(receiptDir)
		if err != nil {
			return err
		}
		pending[hash] = nr
	}
	log.Info("Saved receipts", "count", len(receipts), "dir", receiptDir)

	// Load the previous period's receipts to retry payouts which could not
	// be executed, usually because the farm had no payout address yet.
	previous := make(map[[32]byte]*receipt.MintingReceipt)
	if offset > 0 {
		previousDir := filepath.Join(cfg.ReceiptDir, strconv.FormatInt(offset-1, 10))
		if previous, err = receipt.LoadMintingReceipts(previousDir); err != nil {
			return err
		}
		log.Info("Loaded previous period receipts", "count", len(previous), "dir", previousDir)
	}

	if cfg.Reconcile {
		log.Info("Reconciling payouts against horizon", "url", cfg.Horizon)
		horizon := stellar.NewHorizon(cfg.Horizon)
		dropped := 0
		err := horizon.FilterPreviousMints(func(hash [32]byte) {
			if _, ok := pending[hash]; ok {
				delete(pending, hash)
				dropped++
			}
			if _, ok := previous[hash]; ok {
				delete(previous, hash)
				dropped++
			}
		})
		if err != nil {
			return err
		}
		log.Info("Dropped already paid receipts", "count", dropped)
	}

	// Retry payouts once: re-resolve the payout address and persist a retry
	// receipt whose hash serves as the memo of the retried payment.
	retries := engine.RetryPayouts(previous)
	retryDir := filepath.Join(cfg.ReceiptDir, "retries", strconv.FormatInt(offset, 10))
	saved := make([]savedRetry, 0, len(retries))
	for _, retry := range retries {
		hash, err := retry.Save(retryDir)
		if err != nil {
			return err
		}
		saved = append(saved, savedRetry{hash: hash, receipt: retry})
	}
	if len(saved) > 0 {
		log.Info("Saved retry receipts", "count", len(saved), "dir", retryDir)
	}

	if err := writePayments(cfg.Payments, pending, saved); err != nil {
		return err
	}
	if err := writeRetries(cfg.Retries, saved); err != nil {
		return err
	}

	overview, err := os.Create(cfg.Overview)
	if err != nil {
		return fmt.Errorf("create overview file: %w", err)
	}
	defer overview.Close()
	if err := engine.WriteOverview(overview, receipts); err != nil {
		return fmt.Errorf("write overview: %w", err)
	}
	log.Info("Minting run done", "nodes", len(receipts))
	return nil
}

// savedRetry is a persisted retry receipt together with its hash.
type savedRetry struct {
	hash    [32]byte
	receipt receipt.RetryPayoutReceipt
}

// writePayments emits the payout summary handed to the payment operator:
// one row per unpaid receipt with a nonzero reward and a known address,
// followed by the retried payouts of the previous period.
func writePayments(path string, pending map[[32]byte]minting.NodeReceipt, retries []savedRetry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create payments file: %w", err)
	}
	defer f.Close()

	type payment struct {
		hash [32]byte
		nr   minting.NodeReceipt
	}
	payments := make([]payment, 0, len(pending))
	for hash, nr := range pending {
		payments = append(payments, payment{hash: hash, nr: nr})
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].nr.Receipt.NodeID < payments[j].nr.Receipt.NodeID
	})

	w := csv.NewWriter(f)
	if err := w.Write([]string{"address", "amount TFT", "memo"}); err != nil {
		return err
	}
	for _, p := range payments {
		r := p.nr.Receipt
		if r.Reward.TFT == 0 || r.StellarAddr == "" {
			continue
		}
		row := []string{r.StellarAddr, minting.FormatTFT(r.Reward.TFT), hex.EncodeToString(p.hash[:])}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	for _, retry := range retries {
		r := retry.receipt
		if r.Reward.TFT == 0 || r.StellarAddr == "" {
			continue
		}
		row := []string{r.StellarAddr, minting.FormatTFT(r.Reward.TFT), hex.EncodeToString(retry.hash[:])}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeRetries emits the human readable summary of the retried payouts.
func writeRetries(path string, retries []savedRetry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create retries file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"farm_id", "previous_stellar_address", "new_stellar_address", "amount TFT", "retry_for"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, retry := range retries {
		r := retry.receipt
		row := []string{
			strconv.FormatUint(uint64(r.FarmID), 10),
			r.PreviousStellarAddr,
			r.StellarAddr,
			minting.FormatTFT(r.Reward.TFT),
			r.RetryForReceipt,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
