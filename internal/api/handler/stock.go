package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/malitadji/fuelwatch/internal/api/respond"
	"github.com/malitadji/fuelwatch/internal/cache"
	"github.com/malitadji/fuelwatch/internal/notify"
	"github.com/malitadji/fuelwatch/internal/stock"
)

type updateStockRequest struct {
	Produit string `json:"produit"`
	Niveau  string `json:"niveau"`
}

type updateStockResponse struct {
	OK           bool           `json:"ok"`
	StationID    int64          `json:"station_id"`
	Produit      stock.Product  `json:"produit"`
	Niveau       stock.Level    `json:"niveau"`
	Previous     stock.Level    `json:"previous_niveau,omitempty"`
	Created      bool           `json:"created"`
	Changed      bool           `json:"changed"`
	Notification notify.Outcome `json:"notification"`
	Timestamp    string         `json:"ts"`
}

// UpdateStock is the manager-facing level update: validate, persist the
// transition under the row lock, then run the notification pipeline outside
// it. A failed notification never fails the response — the stock write is
// authoritative, delivery is best-effort.
func (h *Handler) UpdateStock(w http.ResponseWriter, r *http.Request) {
	stationID, ok := pathID(r, "stationID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_STATION", "station id must be a positive integer")
		return
	}

	var req updateStockRequest
	if err := readJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	product, err := stock.ParseProduct(req.Produit)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_PRODUCT",
			"unknown product", fmt.Sprintf("%q is not one of essence, gasoil", req.Produit))
		return
	}
	level, err := stock.ParseLevel(req.Niveau)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_LEVEL",
			"unknown level", fmt.Sprintf("%q is not one of Rupture, Faible, Bas, Plein", req.Niveau))
		return
	}

	transition, err := h.stocks.RecordLevel(r.Context(), stationID, product, level)
	if err != nil {
		if errors.Is(err, stock.ErrStationNotFound) {
			respond.WriteError(w, http.StatusNotFound, "STATION_NOT_FOUND", "station does not exist")
			return
		}
		h.logger.Error("record level failed", "station_id", stationID, "produit", product, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to record stock level")
		return
	}

	h.cache.Invalidate(stockLevelsKey(stationID))

	outcome, err := h.notifier.StockChanged(r.Context(), transition)
	if err != nil {
		// Stock is committed; report the update as successful anyway.
		h.logger.Error("notification pipeline failed",
			"station_id", stationID, "produit", product, "error", err)
		outcome = notify.Outcome{Skipped: "notify_error"}
	}

	respond.WriteJSONObject(w, http.StatusOK, updateStockResponse{
		OK:           true,
		StationID:    stationID,
		Produit:      product,
		Niveau:       level,
		Previous:     transition.Previous,
		Created:      transition.Created,
		Changed:      transition.Changed(),
		Notification: outcome,
		Timestamp:    nowRFC3339(),
	})
}

// GetStock returns the current level per product for a station, cached with
// ETag support.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	stationID, ok := pathID(r, "stationID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_STATION", "station id must be a positive integer")
		return
	}

	key := stockLevelsKey(stationID)
	if data, etag, hit := h.cache.Get(key); hit {
		if cache.CheckETagMatch(r, etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, cache.TTLStockLevels, true)
		return
	}

	if _, err := h.stocks.StationName(r.Context(), stationID); err != nil {
		if errors.Is(err, stock.ErrStationNotFound) {
			respond.WriteError(w, http.StatusNotFound, "STATION_NOT_FOUND", "station does not exist")
			return
		}
		h.logger.Error("station lookup failed", "station_id", stationID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load station")
		return
	}

	entries, err := h.stocks.CurrentLevels(r.Context(), stationID)
	if err != nil {
		h.logger.Error("current levels failed", "station_id", stationID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load stock levels")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"ok":         true,
		"station_id": stationID,
		"stocks":     entries,
	})
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODING_ERROR", "failed to encode response")
		return
	}

	etag := h.cache.Set(key, payload, cache.TTLStockLevels)
	if cache.CheckETagMatch(r, etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteJSON(w, payload, etag, cache.TTLStockLevels, false)
}

// GetStockHistory returns the append-only change log for a station,
// newest first.
func (h *Handler) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	stationID, ok := pathID(r, "stationID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_STATION", "station id must be a positive integer")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := h.stocks.History(r.Context(), stationID, limit, offset)
	if err != nil {
		h.logger.Error("stock history failed", "station_id", stationID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load stock history")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":         true,
		"station_id": stationID,
		"count":      len(entries),
		"items":      entries,
	})
}

func stockLevelsKey(stationID int64) string {
	return fmt.Sprintf("stock:levels:%d", stationID)
}
