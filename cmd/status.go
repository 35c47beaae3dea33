package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/connmap"
	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
	"github.com/netbirdio/peerlink/transport/ws"
)

const defaultSendPriority = 1

type peerResponse struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Kind        string    `json:"kind"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (n *node) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle(ws.URLPath, ws.Handler(n.accept))
	router.HandleFunc("/peers", n.listPeers).Methods(http.MethodGet)
	router.HandleFunc("/peers", n.removePeer).Methods(http.MethodDelete)
	router.HandleFunc("/peers/send", n.sendToPeer).Methods(http.MethodPost)
	return router
}

func (n *node) listPeers(w http.ResponseWriter, _ *http.Request) {
	peers := n.connMap.Peers()
	resp := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, peerResponse{
			ID:          p.ID.String(),
			Address:     p.Addr.String(),
			Kind:        p.Kind.String(),
			ConnectedAt: p.ConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *node) removePeer(w http.ResponseWriter, r *http.Request) {
	id, err := wgtypes.ParseKey(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	if !n.connMap.Remove(id) {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) sendToPeer(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id, err := wgtypes.ParseKey(query.Get("id"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	priority := uint64(defaultSendPriority)
	if p := query.Get("priority"); p != "" {
		priority, err = strconv.ParseUint(p, 10, 8)
		if err != nil {
			http.Error(w, "invalid priority", http.StatusBadRequest)
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, messages.MaxMessageSize-messages.SizeOfProtoHeader))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	err = n.connMap.Send(id, payload, transport.Priority(priority))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, connmap.ErrPeerNotFound):
		http.Error(w, "peer not found", http.StatusNotFound)
	default:
		log.Debugf("failed to send to %s: %s", id, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response: %s", err)
	}
}
