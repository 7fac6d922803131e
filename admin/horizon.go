package admin

import (
	"net/http"

	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// HorizonView reports the installation-wide retention state
type HorizonView struct {
	InRecovery            bool   `json:"in_recovery"`
	OldestCatalogXmin     uint32 `json:"oldest_catalog_xmin"`
	RequiredCatalogXmin   uint32 `json:"required_catalog_xmin"`
	OldestSafeDecodingXID uint32 `json:"oldest_safe_decoding_xid"`
	OldestLSN             string `json:"oldest_lsn"`
	InsertLSN             string `json:"insert_lsn"`
}

// CatalogXminRequest carries an oldest catalog xmin decided by the primary
type CatalogXminRequest struct {
	Xmin uint32 `json:"xmin"`
}

// handleHorizon handles GET /admin/horizon
func (h *AdminHandlers) handleHorizon(w http.ResponseWriter, r *http.Request) {
	hz := h.deps.Horizon
	writeJSONResponse(w, http.StatusOK, HorizonView{
		InRecovery:            hz.InRecovery(),
		OldestCatalogXmin:     uint32(hz.OldestCatalogXmin()),
		RequiredCatalogXmin:   uint32(hz.RequiredCatalogXmin()),
		OldestSafeDecodingXID: uint32(hz.OldestSafeDecodingXID()),
		OldestLSN:             h.deps.WAL.OldestLSN().String(),
		InsertLSN:             h.deps.WAL.InsertLSN().String(),
	})
}

// handleApplyCatalogXmin handles POST /admin/horizon/catalog-xmin. It blocks
// until every conflicting slot has been released.
func (h *AdminHandlers) handleApplyCatalogXmin(w http.ResponseWriter, r *http.Request) {
	var req CatalogXminRequest
	if !decodeBody(w, r, &req) {
		return
	}
	xmin := wal.XID(req.Xmin)
	if !xmin.IsNormal() {
		writeErrorResponse(w, http.StatusBadRequest, "xmin must be a normal transaction id")
		return
	}

	if err := h.deps.Resolver.ApplyCatalogXmin(r.Context(), xmin); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Stringer("xmin", xmin).Msg("Applied catalog xmin from primary")
	h.handleHorizon(w, r)
}

// handlePromote handles POST /admin/horizon/promote
func (h *AdminHandlers) handlePromote(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Horizon.Promote(); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Msg("Promoted out of recovery")
	h.handleHorizon(w, r)
}
