package handler

import (
	"net/http"

	"github.com/malitadji/fuelwatch/internal/api/respond"
)

// ListNotifications returns a user's in-app notifications, newest first.
// Supports ?unread=true, ?page= and ?per_page=.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_USER", "user id must be a positive integer")
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	perPage := queryInt(r, "per_page", 20)
	page := max(queryInt(r, "page", 1), 1)
	offset := (page - 1) * perPage

	items, err := h.inapp.ListInApp(r.Context(), userID, unreadOnly, perPage, offset)
	if err != nil {
		h.logger.Error("list notifications failed", "user_id", userID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list notifications")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":    true,
		"page":  page,
		"count": len(items),
		"items": items,
	})
}
