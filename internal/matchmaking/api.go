package matchmaking

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/h5games/peer-relay/internal/httpserver"
	"github.com/h5games/peer-relay/internal/metrics"
)

// API exposes the queue over HTTP.
type API struct {
	store   *Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewAPI(store *Store, m *metrics.Metrics, logger *slog.Logger) *API {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &API{store: store, metrics: m, log: logger}
}

// RegisterRoutes mounts the matchmaking endpoint. Method dispatch happens
// inside the handler so unsupported methods get 405 rather than 404; the
// subtree pattern extends that to /match subpaths.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/match", a.handleMatch)
	mux.HandleFunc("/match/", a.handleMatch)
}

type matchRequest struct {
	PeerID   string `json:"peerId"`
	GameType string `json:"gameType"`
}

func (a *API) handleMatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleFindOrEnqueue(w, r)
	case http.MethodDelete:
		a.handleWithdraw(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (a *API) handleFindOrEnqueue(w http.ResponseWriter, r *http.Request) {
	a.metrics.Inc(metrics.MatchRequests)

	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" || req.GameType == "" {
		http.Error(w, "peerId and gameType are required", http.StatusBadRequest)
		return
	}

	res, err := a.store.FindOrEnqueue(r.Context(), req.PeerID, req.GameType)
	if err != nil {
		a.log.Error("find or enqueue failed", "peer_id", req.PeerID, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

func (a *API) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}

	if err := a.store.Remove(r.Context(), req.PeerID); err != nil {
		a.log.Error("withdraw failed", "peer_id", req.PeerID, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("removed from queue\n"))
}
