package handler

import (
	"errors"
	"net/http"

	"github.com/malitadji/fuelwatch/internal/api/respond"
	"github.com/malitadji/fuelwatch/internal/follow"
	"github.com/malitadji/fuelwatch/internal/stock"
)

type registerDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	FCMToken string `json:"fcm_token"`
}

// RegisterDevice registers or refreshes a device and its FCM token.
// The device id comes from the X-DEVICE-ID header or the body; an empty
// incoming token never erases a stored one.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := readJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	id := deviceID(r, req.DeviceID)
	device, created, err := h.follows.RegisterDevice(r.Context(), id, req.Platform, req.FCMToken)
	if err != nil {
		if errors.Is(err, follow.ErrDeviceIDMissing) {
			respond.WriteError(w, http.StatusBadRequest, "DEVICE_ID_MISSING", "device_id missing (body or X-DEVICE-ID header)")
			return
		}
		h.logger.Error("register device failed", "device_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to register device")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":            true,
		"device_id":     device.DeviceID,
		"created":       created,
		"platform":      device.Platform,
		"has_fcm_token": device.Token != "",
	})
}

type followRequest struct {
	Produit string `json:"produit"`
}

// FollowStation subscribes the calling device to a station. An absent or
// empty produit follows all products; an unknown produit is rejected rather
// than silently widened to "all".
func (h *Handler) FollowStation(w http.ResponseWriter, r *http.Request) {
	stationID, ok := pathID(r, "stationID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_STATION", "station id must be a positive integer")
		return
	}

	var req followRequest
	if err := readJSON(r, &req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	var product *stock.Product
	if req.Produit != "" {
		p, err := stock.ParseProduct(req.Produit)
		if err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_PRODUCT", "produit must be essence or gasoil")
			return
		}
		product = &p
	}

	id := deviceID(r, "")
	f, created, err := h.follows.Follow(r.Context(), id, stationID, product)
	if err != nil {
		if errors.Is(err, follow.ErrDeviceIDMissing) {
			respond.WriteError(w, http.StatusBadRequest, "DEVICE_ID_MISSING", "X-DEVICE-ID header missing")
			return
		}
		h.logger.Error("follow failed", "device_id", id, "station_id", stationID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to follow station")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":         true,
		"followed":   true,
		"station_id": stationID,
		"produit":    f.Product,
		"created":    created,
		"device_id":  id,
	})
}

// UnfollowStation deactivates every follow the device has on the station.
func (h *Handler) UnfollowStation(w http.ResponseWriter, r *http.Request) {
	stationID, ok := pathID(r, "stationID")
	if !ok {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_STATION", "station id must be a positive integer")
		return
	}

	id := deviceID(r, "")
	updated, err := h.follows.Unfollow(r.Context(), id, stationID)
	if err != nil {
		if errors.Is(err, follow.ErrDeviceIDMissing) {
			respond.WriteError(w, http.StatusBadRequest, "DEVICE_ID_MISSING", "X-DEVICE-ID header missing")
			return
		}
		h.logger.Error("unfollow failed", "device_id", id, "station_id", stationID, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to unfollow station")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":         true,
		"unfollowed": true,
		"station_id": stationID,
		"updated":    updated,
	})
}

// ListFollows returns the calling device's active follows.
func (h *Handler) ListFollows(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r, "")
	items, err := h.follows.ListFollows(r.Context(), id)
	if err != nil {
		if errors.Is(err, follow.ErrDeviceIDMissing) {
			respond.WriteError(w, http.StatusBadRequest, "DEVICE_ID_MISSING", "X-DEVICE-ID header missing")
			return
		}
		h.logger.Error("list follows failed", "device_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list follows")
		return
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"ok":        true,
		"device_id": id,
		"count":     len(items),
		"items":     items,
	})
}
