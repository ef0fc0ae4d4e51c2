// Package explorer serves the receipts produced by past minting runs over a
// small JSON API, so farmers can look up the payout details behind a
// payment memo.
package explorer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/threefoldtech/minting/receipt"
)

// GenericReceipt is any of the known receipt kinds. Exactly one field is
// set; the JSON encoding is tagged by the receipt kind, unlike the receipt
// files on disk, which hold the bare receipt.
type GenericReceipt struct {
	Minting *receipt.MintingReceipt     `json:"Minting,omitempty"`
	Retry   *receipt.RetryPayoutReceipt `json:"Retry,omitempty"`
	Fixup   *receipt.FixupReceipt       `json:"Fixup,omitempty"`
}

// KeyedReceipt is a receipt combined with its hash.
type KeyedReceipt struct {
	Hash    string         `json:"hash"`
	Receipt GenericReceipt `json:"receipt"`
}

// Store is an in-memory receipt index, keyed by receipt hash and by node
// id.
type Store struct {
	mu       sync.RWMutex
	receipts map[string]GenericReceipt
	// receipt hashes by node id
	idReceipts map[uint32][]string
}

// NewStore creates an empty receipt store.
func NewStore() *Store {
	return &Store{
		receipts:   make(map[string]GenericReceipt),
		idReceipts: make(map[uint32][]string),
	}
}

// AddMintingReceipt indexes a minting receipt under its hash.
func (s *Store) AddMintingReceipt(hash string, r *receipt.MintingReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idReceipts[r.NodeID] = append(s.idReceipts[r.NodeID], hash)
	s.receipts[hash] = GenericReceipt{Minting: r}
}

// AddRetryReceipt indexes a retry receipt under its hash. Retry receipts
// are farm scoped, so they don't join the per-node index.
func (s *Store) AddRetryReceipt(hash string, r *receipt.RetryPayoutReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[hash] = GenericReceipt{Retry: r}
}

// AddFixupReceipt indexes a fixup receipt under its hash.
func (s *Store) AddFixupReceipt(hash string, r *receipt.FixupReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idReceipts[r.NodeID] = append(s.idReceipts[r.NodeID], hash)
	s.receipts[hash] = GenericReceipt{Fixup: r}
}

// Get returns the receipt stored under the given hash.
func (s *Store) Get(hash string) (GenericReceipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[hash]
	return r, ok
}

// NodeReceipts returns all receipts of a node, keyed by hash.
func (s *Store) NodeReceipts(nodeID uint32) []KeyedReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes := s.idReceipts[nodeID]
	out := make([]KeyedReceipt, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, KeyedReceipt{Hash: hash, Receipt: s.receipts[hash]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// LoadReceiptTree loads the receipt directory layout produced by the
// minting runs: one subdirectory per period with minting receipts, plus
// "fixed" and "retries" trees with fixup and retry receipts.
func (s *Store) LoadReceiptTree(baseDir string) error {
	err := loadDirs(baseDir, func(name string, data []byte) error {
		var r receipt.MintingReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		s.AddMintingReceipt(name, &r)
		return nil
	}, "fixed", "retries")
	if err != nil {
		return err
	}
	err = loadDirs(filepath.Join(baseDir, "fixed"), func(name string, data []byte) error {
		var r receipt.FixupReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		s.AddFixupReceipt(name, &r)
		return nil
	})
	if err != nil {
		return err
	}
	return loadDirs(filepath.Join(baseDir, "retries"), func(name string, data []byte) error {
		var r receipt.RetryPayoutReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		s.AddRetryReceipt(name, &r)
		return nil
	})
}

// loadDirs walks the subdirectories of base and feeds every file to load,
// skipping the named subtrees.
func loadDirs(base string, load func(name string, data []byte) error, skip ...string) error {
	dirs, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read receipt dir %s: %w", base, err)
	}
	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}
	for _, dir := range dirs {
		if !dir.IsDir() || skipped[dir.Name()] {
			continue
		}
		files, err := os.ReadDir(filepath.Join(base, dir.Name()))
		if err != nil {
			return fmt.Errorf("read receipt dir %s: %w", dir.Name(), err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			path := filepath.Join(base, dir.Name(), file.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read receipt %s: %w", path, err)
			}
			if err := load(file.Name(), data); err != nil {
				log.Warn("Skipping malformed receipt", "path", path, "err", err)
			}
		}
	}
	return nil
}
