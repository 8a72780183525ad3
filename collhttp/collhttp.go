// Package collhttp exposes read-only introspection of a coll.Endpoint over
// HTTP: group snapshots and context-id bitmap occupancy, for operators and
// dashboards that would otherwise have to attach a debugger to read a
// process's collective state.
//
// Grounded on aistore's proxy [METHOD] /path handler idiom (a single
// handler per path prefix, switching on r.Method and URL segment count)
// and its use of jsoniter for response encoding.
package collhttp

import (
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/aiscoll/coll"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler serves introspection endpoints for one Endpoint:
//
//	GET /coll/groups            -- snapshot of every registered group
//	GET /coll/groups/{cid}      -- snapshot of one group, by context id
//	GET /coll/bitmap            -- context-id allocator occupancy
type Handler struct {
	ep *coll.Endpoint
}

func New(ep *coll.Endpoint) *Handler { return &Handler{ep: ep} }

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/coll/groups", h.groupsHandler)
	mux.HandleFunc("/coll/groups/", h.groupsHandler)
	mux.HandleFunc("/coll/bitmap", h.bitmapHandler)
}

// [METHOD] /coll/groups[/{cid}]
func (h *Handler) groupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	suffix := strings.TrimPrefix(r.URL.Path, "/coll/groups")
	suffix = strings.TrimPrefix(suffix, "/")

	groups := h.ep.Groups()
	if suffix == "" {
		snaps := make([]any, 0, len(groups))
		for _, g := range groups {
			snaps = append(snaps, g.Snap())
		}
		writeJSON(w, snaps)
		return
	}

	cidVal, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		http.Error(w, "invalid context id: "+suffix, http.StatusBadRequest)
		return
	}
	for _, g := range groups {
		if uint64(g.Snap().Cid) == cidVal {
			writeJSON(w, g.Snap())
			return
		}
	}
	http.Error(w, "no group with that context id", http.StatusNotFound)
}

// [METHOD] /coll/bitmap
func (h *Handler) bitmapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]int{
		"free": h.ep.Allocator.FreeCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
