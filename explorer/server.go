package explorer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Handler builds the http handler of the receipt lookup service.
func Handler(store *Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/api/v1/receipt/{hash}", func(w http.ResponseWriter, req *http.Request) {
		hash := chi.URLParam(req, "hash")
		receipt, ok := store.Get(hash)
		if !ok {
			http.Error(w, "receipt not found", http.StatusNotFound)
			return
		}
		writeJSON(w, receipt)
	})

	r.Get("/api/v1/node/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 32)
		if err != nil {
			http.Error(w, "malformed node id", http.StatusBadRequest)
			return
		}
		writeJSON(w, store.NodeReceipts(uint32(id)))
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
