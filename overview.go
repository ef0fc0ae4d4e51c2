package minting

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/threefoldtech/minting/params"
	"github.com/threefoldtech/minting/receipt"
)

// NodeReceipt pairs a built receipt with the node state it was derived
// from.
type NodeReceipt struct {
	Node    *MintingNode
	Receipt receipt.MintingReceipt
}

// overviewHeader is the column layout of the human readable overview file.
var overviewHeader = []string{
	"node id", "twin id", "farm name (farm id)", "period start", "period end",
	"measured uptime", "CU", "SU", "NU", "USD reward", "TFT reward",
	"TFT price on connect", "carbon offset USD generated",
	"carbon offset TFT generated", "cru", "cru used", "mru", "mru used",
	"hru", "hru used", "sru", "sru used", "IP used", "DIY state",
	"Virtualized", "violation", "stellar address",
}

// WriteOverview writes the human readable per-node overview of the period.
// Nodes whose farm no longer exists are skipped: there is no payout target
// to review for them.
func (e *Engine) WriteOverview(w io.Writer, receipts []NodeReceipt) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(overviewHeader); err != nil {
		return err
	}
	for _, nr := range receipts {
		node, r := nr.Node, nr.Receipt
		if _, ok := e.farms[r.FarmID]; !ok {
			log.Warn("Node is in a farm which does not exist anymore", "node", r.NodeID, "farm", r.FarmID)
			continue
		}
		row := []string{
			strconv.FormatUint(uint64(r.NodeID), 10),
			strconv.FormatUint(uint64(r.TwinID), 10),
			fmt.Sprintf("%s (%d)", r.FarmName, r.FarmID),
			formatTimestamp(r.Period.Start),
			formatTimestamp(r.Period.End),
			strconv.FormatUint(r.MeasuredUptime, 10),
			strconv.FormatFloat(r.CloudUnits.CU, 'f', 6, 64),
			strconv.FormatFloat(r.CloudUnits.SU, 'f', 6, 64),
			strconv.FormatFloat(r.CloudUnits.NU, 'f', 6, 64),
			FormatMusd(r.Reward.Musd) + " $",
			FormatTFT(r.Reward.TFT),
			FormatMusd(r.TFTConnectionPrice) + " $",
			FormatMusd(r.CarbonOffset.Musd) + " $",
			FormatTFT(r.CarbonOffset.TFT) + " TFT",
			strconv.FormatFloat(r.ResourceUnits.CRU, 'f', -1, 64),
			formatPercent(r.ResourceUtilization.CRU),
			strconv.FormatFloat(r.ResourceUnits.MRU, 'f', -1, 64),
			formatPercent(r.ResourceUtilization.MRU),
			strconv.FormatFloat(r.ResourceUnits.HRU, 'f', -1, 64),
			formatPercent(r.ResourceUtilization.HRU),
			strconv.FormatFloat(r.ResourceUnits.SRU, 'f', -1, 64),
			formatPercent(r.ResourceUtilization.SRU),
			fmt.Sprintf("%.2f hours", r.ResourceUtilization.IP),
			r.NodeType,
			strconv.FormatBool(node.Virtualized),
			node.Violation.String(),
			r.StellarAddr,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatMusd renders a mUSD amount with fixed 3 decimal precision.
func FormatMusd(musd uint64) string {
	return fmt.Sprintf("%d.%03d", musd/1000, musd%1000)
}

// FormatTFT renders a TFT unit amount with fixed 7 decimal precision.
func FormatTFT(units uint64) string {
	return fmt.Sprintf("%d.%07d", units/params.UnitsPerTFT, units%params.UnitsPerTFT)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05 MST")
}
