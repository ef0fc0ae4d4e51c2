// minting-explorer serves the receipts of past minting runs over a JSON
// API, keyed by receipt hash and by node id.
package main

import (
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/threefoldtech/minting/explorer"
)

var (
	receiptDirFlag = &cli.StringFlag{
		Name:  "receipt-dir",
		Usage: "Base directory holding the receipt trees",
		Value: "receipts",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Address the lookup service listens on",
		Value: ":8080",
	}
)

func main() {
	app := &cli.App{
		Name:   "minting-explorer",
		Usage:  "receipt lookup service",
		Flags:  []cli.Flag{receiptDirFlag, listenFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("Explorer failed", "err", err)
	}
}

func run(ctx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	store := explorer.NewStore()
	if err := store.LoadReceiptTree(ctx.String(receiptDirFlag.Name)); err != nil {
		return err
	}
	listen := ctx.String(listenFlag.Name)
	log.Info("Serving receipts", "listen", listen)
	return http.ListenAndServe(listen, explorer.Handler(store))
}
