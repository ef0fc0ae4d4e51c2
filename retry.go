package minting

import (
	"encoding/hex"
	"sort"

	"github.com/threefoldtech/minting/receipt"
)

// RetryPayouts builds retry receipts for payouts of a previous period which
// could not be executed because the farm had no payout address at the time.
// The farm's address is re-resolved against the addresses loaded for this
// period; a farm which still has no address yields a retry receipt with an
// empty address, for which no payment row is written. Retry receipts are not
// retried again in later periods: only the previous period's minting receipts
// are passed in here.
//
// Receipts whose payout was merely pending (a known address) are not
// retried here: those are settled by reconciliation against the payment
// ledger instead.
func (e *Engine) RetryPayouts(previous map[[32]byte]*receipt.MintingReceipt) []receipt.RetryPayoutReceipt {
	retries := make([]receipt.RetryPayoutReceipt, 0)
	for hash, failed := range previous {
		// No point in retrying an empty reward.
		if failed.Reward.TFT == 0 {
			continue
		}
		if failed.StellarAddr != "" {
			continue
		}
		retries = append(retries, receipt.RetryPayoutReceipt{
			FailedPayoutPeriod:  failed.Period,
			RetryPeriod:         e.period,
			FarmID:              failed.FarmID,
			PreviousStellarAddr: failed.StellarAddr,
			StellarAddr:         e.payoutAddresses[failed.FarmID],
			RetryForReceipt:     hex.EncodeToString(hash[:]),
			Reward:              failed.Reward,
		})
	}
	sort.Slice(retries, func(i, j int) bool {
		return retries[i].RetryForReceipt < retries[j].RetryForReceipt
	})
	return retries
}
