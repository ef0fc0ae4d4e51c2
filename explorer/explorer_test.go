package explorer

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threefoldtech/minting/receipt"
	"github.com/threefoldtech/minting/types"
)

func mintingReceipt(nodeID uint32) *receipt.MintingReceipt {
	return &receipt.MintingReceipt{
		Period:             types.PeriodAtOffset(42),
		NodeID:             nodeID,
		TwinID:             nodeID,
		FarmID:             1,
		FarmName:           "testfarm",
		TFTConnectionPrice: 80,
		NodeType:           "DIY",
		FarmingPolicyID:    1,
	}
}

func TestStoreLookup(t *testing.T) {
	store := NewStore()
	r := mintingReceipt(1)
	hash := r.Hash()
	name := hex.EncodeToString(hash[:])
	store.AddMintingReceipt(name, r)

	got, ok := store.Get(name)
	require.True(t, ok)
	require.NotNil(t, got.Minting)
	require.EqualValues(t, 1, got.Minting.NodeID)

	_, ok = store.Get("unknown")
	require.False(t, ok)

	keyed := store.NodeReceipts(1)
	require.Len(t, keyed, 1)
	require.Equal(t, name, keyed[0].Hash)
	require.Empty(t, store.NodeReceipts(2))
}

func TestLoadReceiptTree(t *testing.T) {
	base := t.TempDir()
	r := mintingReceipt(3)
	hash, err := r.Save(filepath.Join(base, "42"))
	require.NoError(t, err)

	// A fixup receipt in the fixed tree.
	fixup := &receipt.FixupReceipt{Period: types.PeriodAtOffset(40), NodeID: 3, FarmID: 1}
	fixupData, err := json.Marshal(fixup)
	require.NoError(t, err)
	fixupHash := fixup.Hash()
	fixupDir := filepath.Join(base, "fixed", "40")
	require.NoError(t, os.MkdirAll(fixupDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fixupDir, hex.EncodeToString(fixupHash[:])), fixupData, 0o644))

	store := NewStore()
	require.NoError(t, store.LoadReceiptTree(base))

	got, ok := store.Get(hex.EncodeToString(hash[:]))
	require.True(t, ok)
	require.NotNil(t, got.Minting)

	keyed := store.NodeReceipts(3)
	require.Len(t, keyed, 2)
}

func TestHandler(t *testing.T) {
	store := NewStore()
	r := mintingReceipt(5)
	hash := r.Hash()
	name := hex.EncodeToString(hash[:])
	store.AddMintingReceipt(name, r)

	srv := httptest.NewServer(Handler(store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/receipt/" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var generic GenericReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&generic))
	require.NotNil(t, generic.Minting)
	require.EqualValues(t, 5, generic.Minting.NodeID)

	resp, err = http.Get(srv.URL + "/api/v1/receipt/deadbeef")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/node/5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var keyed []KeyedReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keyed))
	require.Len(t, keyed, 1)
	require.Equal(t, name, keyed[0].Hash)

	resp, err = http.Get(srv.URL + "/api/v1/node/notanumber")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
