package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/offsync/internal/store"
)

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.opts.ReadModel.List(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.opts.ReadModel.Get(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	data, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	rec, err := h.opts.ReadModel.Create(r.Context(), chi.URLParam(r, "collection"), data)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	data, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	rec, err := h.opts.ReadModel.Update(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), data)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.ReadModel.Delete(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, store.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, "unknown collection")
	case isClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.fail(w, r, http.StatusInternalServerError, "local store", err)
	}
}

func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody))
	if err != nil || !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return nil, false
	}
	return data, true
}
