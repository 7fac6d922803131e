package admin

import "net/http"

// handlePublishers handles GET /admin/publishers
func (h *AdminHandlers) handlePublishers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Publishers == nil {
		writeJSONResponse(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSONResponse(w, http.StatusOK, h.deps.Publishers.Statuses())
}
