// Package stellar reconciles minting receipts against the payment ledger:
// a receipt whose hash already appears as a payment memo has been paid out
// and must not be paid again.
package stellar

import (
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stellar/go/clients/horizonclient"

	"github.com/threefoldtech/minting/params"
)

const pageLimit = 100

// Horizon wraps a stellar horizon endpoint.
type Horizon struct {
	client *horizonclient.Client
}

// NewHorizon creates a horizon client for the given url.
func NewHorizon(url string) *Horizon {
	return &Horizon{client: &horizonclient.Client{HorizonURL: url}}
}

// FilterPreviousMints walks all transactions of the TFT issuer account in
// ascending order and invokes drop for every hash type memo found. Callers
// remove the matching receipts from their pending payout maps.
func (h *Horizon) FilterPreviousMints(drop func(hash [32]byte)) error {
	request := horizonclient.TransactionRequest{
		ForAccount: params.TFTIssuer,
		Order:      horizonclient.OrderAsc,
		Limit:      pageLimit,
	}
	for {
		page, err := h.client.Transactions(request)
		if err != nil {
			return fmt.Errorf("fetch issuer transactions: %w", err)
		}
		records := page.Embedded.Records
		for _, tx := range records {
			if tx.MemoType != "hash" {
				continue
			}
			memo, err := base64.StdEncoding.DecodeString(tx.Memo)
			if err != nil || len(memo) != 32 {
				log.Warn("Skipping transaction with malformed hash memo", "tx", tx.Hash)
				continue
			}
			var hash [32]byte
			copy(hash[:], memo)
			drop(hash)
		}
		if len(records) < pageLimit {
			return nil
		}
		request.Cursor = records[len(records)-1].PT
	}
}
