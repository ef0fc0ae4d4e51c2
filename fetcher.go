package minting

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/threefoldtech/minting/chain"
	"github.com/threefoldtech/minting/params"
)

var (
	blockFetchTimer   = metrics.NewRegisteredTimer("minting/fetcher/block", nil)
	blockFetchCounter = metrics.NewRegisteredCounter("minting/fetcher/fetched", nil)
)

// Dialer opens a new connection to the chain. The block import pipeline
// dials one connection per worker, since a single substrate connection
// serializes its requests.
type Dialer func() (chain.RuntimeClient, error)

// blockData is the immutable result of fetching a single block.
type blockData struct {
	height uint32
	ts     int64
	events []chain.Event
}

// blockImport fetches the blocks [start, end] using a set of striped
// workers: worker i fetches blocks start+i, start+i+N, ... with a bounded
// buffer each, and a merge stage re-serializes the results by height. The
// returned channel delivers blocks in strictly ascending height order and is
// closed once the range is exhausted or a worker fails; call wait to collect
// the error in the latter case.
func blockImport(dial Dialer, start, end uint32) (<-chan blockData, func() error) {
	workers := params.RPCWorkers
	if total := int(end-start) + 1; total < workers {
		workers = total
	}

	var g errgroup.Group
	workerOut := make([]chan blockData, workers)
	for i := 0; i < workers; i++ {
		ch := make(chan blockData, params.PreFetch)
		workerOut[i] = ch
		height := start + uint32(i)
		g.Go(func() error {
			defer close(ch)
			client, err := dial()
			if err != nil {
				return err
			}
			for ; height <= end; height += uint32(workers) {
				fetchStart := time.Now()
				hash, err := client.HashAtHeight(height)
				if err != nil {
					return fmt.Errorf("fetch hash of block %d: %w", height, err)
				}
				events, err := client.Events(&hash)
				if err != nil {
					return fmt.Errorf("fetch events of block %d: %w", height, err)
				}
				millis, err := client.Timestamp(&hash)
				if err != nil {
					return fmt.Errorf("fetch timestamp of block %d: %w", height, err)
				}
				blockFetchTimer.UpdateSince(fetchStart)
				blockFetchCounter.Inc(1)
				ch <- blockData{height: height, ts: int64(millis / 1000), events: events}
			}
			return nil
		})
	}

	out := make(chan blockData, params.PreFetch)
	merge := make(chan struct{})
	go func() {
		defer close(merge)
		defer close(out)
		for i := 0; ; i++ {
			block, ok := <-workerOut[i%workers]
			if !ok {
				break
			}
			out <- block
		}
		// A worker closing its stream early means it failed; unblock the
		// others so the error can be collected.
		for _, ch := range workerOut {
			for range ch {
			}
		}
	}()

	wait := func() error {
		err := g.Wait()
		<-merge
		return err
	}
	return out, wait
}
