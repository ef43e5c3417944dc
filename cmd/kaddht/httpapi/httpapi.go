// Package httpapi exposes a small debug HTTP surface over the
// Coordinator using github.com/go-chi/chi and github.com/go-chi/render,
// grounded on su225-godemlia's KademliaRESTHandler
// (src/server/service/rest_handler.go): the same chi.URLParam/render.JSON
// GET-by-key and POST-body PUT pattern, extended with the DHT's own
// provider-lookup and routing-table inspection endpoints.
package httpapi

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/dhtcore/kaddht/coordinator"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// Handler serves the debug HTTP API for a single Coordinator.
type Handler struct {
	coord *coordinator.Coordinator
}

// New builds a chi.Router wired to coord's operations.
func New(coord *coordinator.Coordinator) http.Handler {
	h := &Handler{coord: coord}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/values/{key}", h.getValue)
	r.Put("/values/{key}", h.putValue)
	r.Get("/providers/{key}", h.getProviders)
	r.Post("/providers/{key}", h.provide)
	r.Get("/peers/{id}", h.findPeer)

	return r
}

type valueResponse struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

// getValue blocks the request on the Coordinator's handler callback, never
// reading the result inline from GetValue's own return (spec.md §5) — a
// NO_PEERS outcome is reported as 404 without ever waiting on a handler
// that will never fire.
func (h *Handler) getValue(w http.ResponseWriter, r *http.Request) {
	key := kadid.Key(chi.URLParam(r, "key"))

	type result struct {
		value []byte
		found bool
	}
	results := make(chan result, 1)

	outcome := h.coord.GetValue(r.Context(), key, func(value []byte, found bool) {
		results <- result{value, found}
	})
	if outcome == coordinator.OutcomeNoPeers {
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, valueResponse{Found: false})
		return
	}

	select {
	case res := <-results:
		if !res.found {
			w.WriteHeader(http.StatusNotFound)
			render.JSON(w, r, valueResponse{Found: false})
			return
		}
		render.JSON(w, r, valueResponse{Found: true, Value: string(res.value)})
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}

func (h *Handler) putValue(w http.ResponseWriter, r *http.Request) {
	key := kadid.Key(chi.URLParam(r, "key"))

	var body struct {
		Value string `json:"value"`
	}
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.coord.PutValue(r.Context(), key, []byte(body.Value)); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type peerResponse struct {
	Id    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

func (h *Handler) getProviders(w http.ResponseWriter, r *http.Request) {
	key := kadid.Key(chi.URLParam(r, "key"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results := make(chan []host.PeerInfo, 1)
	h.coord.FindProviders(r.Context(), key, limit, func(peers []host.PeerInfo) {
		results <- peers
	})

	select {
	case peers := <-results:
		out := make([]peerResponse, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerResponse{Id: p.Id.String(), Addrs: p.Addrs})
		}
		render.JSON(w, r, out)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}

func (h *Handler) provide(w http.ResponseWriter, r *http.Request) {
	key := kadid.Key(chi.URLParam(r, "key"))
	h.coord.Provide(r.Context(), key)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) findPeer(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(chi.URLParam(r, "id"))
	if err != nil || len(raw) != kadid.Size {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var target kadid.NodeId
	copy(target[:], raw)

	type result struct {
		peer  host.PeerInfo
		found bool
	}
	results := make(chan result, 1)
	h.coord.FindPeer(r.Context(), target, func(peer host.PeerInfo, found bool) {
		results <- result{peer, found}
	})

	select {
	case res := <-results:
		if !res.found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		render.JSON(w, r, peerResponse{Id: res.peer.Id.String(), Addrs: res.peer.Addrs})
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}
