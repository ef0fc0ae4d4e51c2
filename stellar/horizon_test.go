package stellar

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	Hash        string `json:"hash"`
	PagingToken string `json:"paging_token"`
	Memo        string `json:"memo,omitempty"`
	MemoType    string `json:"memo_type"`
}

func fakeHorizon(t *testing.T, txs []fakeTx) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := map[string]interface{}{
			"_embedded": map[string]interface{}{
				"records": txs,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
}

func TestFilterPreviousMints(t *testing.T) {
	var paidHash [32]byte
	paidHash[0] = 0xab
	memo := base64.StdEncoding.EncodeToString(paidHash[:])

	srv := fakeHorizon(t, []fakeTx{
		{Hash: "tx1", PagingToken: "1", MemoType: "text"},
		{Hash: "tx2", PagingToken: "2", MemoType: "hash", Memo: memo},
		{Hash: "tx3", PagingToken: "3", MemoType: "hash", Memo: "malformed!!"},
	})
	defer srv.Close()

	var dropped [][32]byte
	horizon := NewHorizon(srv.URL)
	err := horizon.FilterPreviousMints(func(hash [32]byte) {
		dropped = append(dropped, hash)
	})
	require.NoError(t, err)
	require.Equal(t, [][32]byte{paidHash}, dropped)
}

func TestFilterPreviousMintsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("boom: %s", r.URL.Path), http.StatusInternalServerError)
	}))
	defer srv.Close()

	horizon := NewHorizon(srv.URL)
	require.Error(t, horizon.FilterPreviousMints(func([32]byte) {}))
}
