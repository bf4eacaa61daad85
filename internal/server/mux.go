// Package server exposes the drive operation contract over HTTP for the
// web UI layer.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/dropsync/internal/drive"
	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Service *drive.Service
	Logger  *slog.Logger
}

// NewMux builds the HTTP mux for the file, folder, sharing, usage, and
// session endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handler{service: cfg.Service, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files", h.listFiles)
	mux.HandleFunc("POST /api/files", h.addFiles)
	mux.HandleFunc("DELETE /api/files/{id}", h.removeFile)
	mux.HandleFunc("POST /api/files/{id}/move", h.moveFile)

	mux.HandleFunc("GET /api/folders", h.listFolders)
	mux.HandleFunc("POST /api/folders", h.createFolder)
	mux.HandleFunc("POST /api/folders/{id}/rename", h.renameFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", h.deleteFolder)

	mux.HandleFunc("POST /api/shares", h.share)
	mux.HandleFunc("GET /api/shares/{target}", h.listGrants)
	mux.HandleFunc("DELETE /api/shares/{target}/{recipient}", h.revoke)
	mux.HandleFunc("GET /api/shared-with-me", h.listSharedWithMe)

	mux.HandleFunc("GET /api/usage", h.usage)
	mux.HandleFunc("POST /api/signout", h.signOut)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

type handler struct {
	service *drive.Service
	logger  *slog.Logger
}

type uploadRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	FolderID string `json:"folder_id,omitempty"`
	Data     []byte `json:"data"`
}

type folderRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type moveRequest struct {
	FolderID string `json:"folder_id"`
}

type shareRequest struct {
	TargetID       string            `json:"target_id"`
	RecipientEmail string            `json:"recipient_email"`
	Permission     models.Permission `json:"permission"`
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files := h.service.ListFiles(r.URL.Query().Get("folder_id"))
	h.writeJSON(w, http.StatusOK, files)
}

func (h *handler) addFiles(w http.ResponseWriter, r *http.Request) {
	var uploads []uploadRequest
	if !h.decode(w, r, &uploads) {
		return
	}

	batch := make([]drive.Upload, 0, len(uploads))
	for _, up := range uploads {
		batch = append(batch, drive.Upload{
			Name:     up.Name,
			MimeType: up.MimeType,
			FolderID: up.FolderID,
			Data:     up.Data,
		})
	}

	added := h.service.AddFiles(r.Context(), batch)
	h.writeJSON(w, http.StatusCreated, added)
}

func (h *handler) removeFile(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveFile(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) moveFile(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.MoveFile(r.Context(), r.PathValue("id"), req.FolderID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listFolders(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.ListFolders())
}

func (h *handler) createFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if !h.decode(w, r, &req) {
		return
	}

	folder, err := h.service.CreateFolder(r.Context(), req.Name, req.Color)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, folder)
}

func (h *handler) renameFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.RenameFolder(r.Context(), r.PathValue("id"), req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteFolder(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) share(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !h.decode(w, r, &req) {
		return
	}

	grant, err := h.service.Share(r.Context(), req.TargetID, req.RecipientEmail, req.Permission)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, grant)
}

func (h *handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.service.ListGrants(r.Context(), r.PathValue("target"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, grants)
}

func (h *handler) revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Revoke(r.Context(), r.PathValue("target"), r.PathValue("recipient")); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listSharedWithMe(w http.ResponseWriter, r *http.Request) {
	files, err := h.service.ListSharedWithMe(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, files)
}

func (h *handler) usage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.service.StorageUsage()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, usage)
}

func (h *handler) signOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return false
	}

	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("writing response failed", slog.String("error", err.Error()))
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dserrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dserrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, dserrors.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, dserrors.ErrAlreadyShared), errors.Is(err, dserrors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, dserrors.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case dserrors.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
