package receipt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadMintingReceipts reads the minting receipts persisted in dir, keyed by
// the hash encoded in the file name. A missing directory yields an empty
// map: the first period of a deployment has no predecessor.
func LoadMintingReceipts(dir string) (map[[32]byte]*MintingReceipt, error) {
	receipts := make(map[[32]byte]*MintingReceipt)
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return receipts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt dir %s: %w", dir, err)
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(file.Name())
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("receipt file %s is not named after a hash", file.Name())
		}
		var hash [32]byte
		copy(hash[:], raw)

		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("read receipt %s: %w", file.Name(), err)
		}
		r := new(MintingReceipt)
		if err := json.Unmarshal(data, r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", file.Name(), err)
		}
		receipts[hash] = r
	}
	return receipts, nil
}
