package admin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// SlotView is the JSON rendering of a slot
type SlotView struct {
	Name                 string `json:"name"`
	Kind                 string `json:"kind"`
	Database             string `json:"database"`
	Persistency          string `json:"persistency"`
	Failover             bool   `json:"failover"`
	Plugin               string `json:"plugin,omitempty"`
	Active               bool   `json:"active"`
	CatalogXmin          uint32 `json:"catalog_xmin"`
	EffectiveCatalogXmin uint32 `json:"effective_catalog_xmin"`
	RestartLSN           string `json:"restart_lsn"`
	ConfirmedFlushLSN    string `json:"confirmed_flush_lsn"`
	CandidateCatalogXmin uint32 `json:"candidate_catalog_xmin,omitempty"`
	CandidateRestartLSN  string `json:"candidate_restart_lsn,omitempty"`
}

func newSlotView(st slot.State) SlotView {
	v := SlotView{
		Name:                 st.Name,
		Kind:                 st.Kind.String(),
		Database:             st.Database,
		Persistency:          st.Persistency.String(),
		Failover:             st.Failover,
		Plugin:               st.Plugin,
		Active:               st.ActiveOwner != slot.NoOwner,
		CatalogXmin:          uint32(st.CatalogXmin),
		EffectiveCatalogXmin: uint32(st.EffectiveCatalogXmin),
		RestartLSN:           st.RestartLSN.String(),
		ConfirmedFlushLSN:    st.ConfirmedFlush.String(),
		CandidateCatalogXmin: uint32(st.CandidateCatalogXmin),
	}
	if st.CandidateRestartLSN.IsValid() {
		v.CandidateRestartLSN = st.CandidateRestartLSN.String()
	}
	return v
}

// CreateSlotRequest creates a persistent slot. A logical slot with a plugin
// is initialized and brought to a consistent point before the call returns.
type CreateSlotRequest struct {
	Name          string            `json:"name"`
	Kind          string            `json:"kind,omitempty"`
	Plugin        string            `json:"plugin,omitempty"`
	Persistency   string            `json:"persistency,omitempty"`
	Failover      bool              `json:"failover,omitempty"`
	PluginOptions map[string]string `json:"options,omitempty"`
}

// ConfirmRequest acknowledges receipt up to LSN
type ConfirmRequest struct {
	LSN string `json:"lsn"`
}

// handleListSlots handles GET /admin/slots
func (h *AdminHandlers) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots := h.deps.Slots.List()
	views := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		views = append(views, newSlotView(s.State()))
	}
	writeJSONResponse(w, http.StatusOK, views)
}

// handleGetSlot handles GET /admin/slots/{name}
func (h *AdminHandlers) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Slots.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newSlotView(s.State()))
}

// handleCreateSlot handles POST /admin/slots
func (h *AdminHandlers) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	var req CreateSlotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	kind := slot.KindLogical
	switch req.Kind {
	case "", "logical":
	case "physical":
		kind = slot.KindPhysical
	default:
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown slot kind %q", req.Kind))
		return
	}
	if kind == slot.KindPhysical && req.Plugin != "" {
		writeErrorResponse(w, http.StatusBadRequest, "physical slots do not take a plugin")
		return
	}

	persistency, err := slot.ParsePersistency(req.Persistency)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	// nothing would own an ephemeral slot once this request returns
	if persistency == slot.Ephemeral {
		writeErrorResponse(w, http.StatusBadRequest, "ephemeral slots cannot be created over the admin API")
		return
	}

	st, err := h.createSlot(r.Context(), slot.CreateOptions{
		Name:        req.Name,
		Kind:        kind,
		Database:    h.deps.Database,
		Persistency: persistency,
		Failover:    req.Failover,
	}, req.Plugin, req.PluginOptions)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().Str("slot", st.Name).Str("plugin", st.Plugin).Msg("Created slot via admin API")
	writeJSONResponse(w, http.StatusCreated, newSlotView(st))
}

func (h *AdminHandlers) createSlot(ctx context.Context, opts slot.CreateOptions, plugin string, pluginOptions map[string]string) (slot.State, error) {
	slots := h.deps.Slots
	owner := slots.NewOwner()
	defer slots.RemoveOwner(owner)

	s, err := slots.Create(opts, owner.ID())
	if err != nil {
		return slot.State{}, err
	}
	if plugin == "" {
		err := slots.Release(s, owner.ID())
		return s.State(), err
	}

	sess, err := h.deps.Engine.StartNewSession(
		decoding.Caller{Owner: owner, Database: opts.Database},
		s,
		decoding.Options{
			Plugin:        plugin,
			PluginOptions: pluginOptions,
			// initialization only builds a snapshot; nothing is decoded
			Write: func(*bytes.Buffer, decoding.WriteInfo) error { return nil },
		},
	)
	if err == nil {
		err = sess.FindConsistentStartPoint(ctx)
		if cerr := sess.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		if derr := slots.Drop(opts.Name, owner.ID()); derr != nil {
			log.Warn().Err(derr).Str("slot", opts.Name).Msg("Failed to drop uninitialized slot")
		}
		return slot.State{}, err
	}

	err = slots.Release(s, owner.ID())
	return s.State(), err
}

// handleDropSlot handles DELETE /admin/slots/{name}
func (h *AdminHandlers) handleDropSlot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.deps.Slots.Drop(name, slot.NoOwner); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("slot", name).Msg("Dropped slot via admin API")
	w.WriteHeader(http.StatusNoContent)
}

// handleConfirmSlot handles POST /admin/slots/{name}/confirm
func (h *AdminHandlers) handleConfirmSlot(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	lsn, err := wal.ParseLSN(req.LSN)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	slots := h.deps.Slots
	owner := slots.NewOwner()
	defer slots.RemoveOwner(owner)

	s, err := slots.Acquire(chi.URLParam(r, "name"), owner.ID())
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.IsLogical() {
		if err := slots.Release(s, owner.ID()); err != nil {
			log.Warn().Err(err).Str("slot", s.Name()).Msg("Failed to release slot")
		}
		writeErrorResponse(w, http.StatusBadRequest, "only logical slots confirm receipt")
		return
	}

	err = slots.ConfirmReceived(s, lsn)
	if rerr := slots.Release(s, owner.ID()); err == nil {
		err = rerr
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newSlotView(s.State()))
}
