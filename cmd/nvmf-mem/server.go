package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/behrlich/go-nvmf"
)

// newRouter exposes target state as JSON
func newRouter(target *nvmf.Target) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, target.Info())
	}).Methods("GET")

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, target.MetricsSnapshot())
	}).Methods("GET")

	router.HandleFunc("/queues/{qid:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		qid, err := strconv.ParseUint(mux.Vars(r)["qid"], 10, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid queue id")
			return
		}
		stats, ok := target.QueueStats(uint16(qid))
		if !ok {
			writeError(w, http.StatusNotFound, "no such queue")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
