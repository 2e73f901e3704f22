package instrument

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labforge/labmesh/internal/replybridge"
)

type Handler struct {
	Log     *slog.Logger
	Service *Service
}

type bridgeResponse struct {
	Status  string            `json:"status"`
	EventID string            `json:"event_id"`
	Result  []json.RawMessage `json:"result,omitempty"`
}

func (h *Handler) SyncConfig(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	res, err := h.Service.SyncConfig(r.Context(), id)
	if err != nil {
		h.internal(w, r, "config_sync_failed", err)
		return
	}
	writeBridgeResult(w, res)
}

func (h *Handler) SyncAllConfigs(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.SyncAllConfigs(r.Context())
	if err != nil {
		h.internal(w, r, "config_all_sync_failed", err)
		return
	}
	writeBridgeResult(w, res)
}

func (h *Handler) InstallReagent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req InstallReagentRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		WriteError(w, r, http.StatusBadRequest, "validation_error", msg)
		return
	}
	if dec.More() {
		WriteError(w, r, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}

	res, err := h.Service.InstallReagent(r.Context(), id, req)
	if err != nil {
		var verr ValidationError
		if errors.As(err, &verr) {
			WriteError(w, r, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			WriteError(w, r, http.StatusUnprocessableEntity, "inventory_rejected", rej.Reason)
			return
		}
		h.internal(w, r, "reagent_install_failed", err)
		return
	}
	writeBridgeResult(w, res)
}

func (h *Handler) UninstallReagent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	code := strings.TrimSpace(r.PathValue("code"))
	if id == "" || code == "" {
		WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	eventID, err := h.Service.UninstallReagent(r.Context(), id, code)
	if err != nil {
		if errors.Is(err, ErrNotInstalled) {
			WriteError(w, r, http.StatusNotFound, "not_found", "reagent not installed")
			return
		}
		h.internal(w, r, "reagent_uninstall_failed", err)
		return
	}

	writeJSON(w, http.StatusAccepted, bridgeResponse{Status: "accepted", EventID: eventID})
}

func (h *Handler) SyncReagents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	res, err := h.Service.SyncReagents(r.Context(), id)
	if err != nil {
		h.internal(w, r, "reagent_sync_failed", err)
		return
	}
	writeBridgeResult(w, res)
}

func (h *Handler) ListReagents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	rows, err := h.Service.ListReagents(r.Context(), id)
	if err != nil {
		h.internal(w, r, "reagent_list_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.Log.Error(event, slog.String("err", err.Error()))
	WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

// writeBridgeResult maps the bridge outcome to HTTP: a resolved reply is 200
// with the payload, a timeout is 202 with the event id for later follow-up.
// Callers never see a messaging-layer failure here.
func writeBridgeResult(w http.ResponseWriter, res replybridge.Result) {
	if res.Accepted {
		writeJSON(w, http.StatusAccepted, bridgeResponse{Status: "accepted", EventID: res.EventID})
		return
	}
	writeJSON(w, http.StatusOK, bridgeResponse{Status: "completed", EventID: res.EventID, Result: res.Payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
