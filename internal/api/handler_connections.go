package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"datapilot/internal/service/connection"
)

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	var body targetBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.connections.Test(r.Context(), body.target())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, testResultToAPI(res))
}

func (h *Handler) createConnection(w http.ResponseWriter, r *http.Request) {
	var body createConnectionBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.connections.Create(r.Context(), connection.CreateRequest{Name: body.Name, Target: body.target(), Verify: body.Verify})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, connectionToAPI(*created))
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	list, err := h.connections.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]connectionJSON, len(list))
	for i, d := range list {
		out[i] = connectionToAPI(d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out})
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	d, err := h.connections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionToAPI(*d))
}

func (h *Handler) updateConnection(w http.ResponseWriter, r *http.Request) {
	var body updateConnectionBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.connections.Update(r.Context(), chi.URLParam(r, "id"), body.update())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionToAPI(*d))
}

func (h *Handler) deleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connections.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retestConnection(w http.ResponseWriter, r *http.Request) {
	res, d, err := h.connections.Retest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := testResultToAPI(res)
	conn := connectionToAPI(*d)
	out.Connection = &conn
	writeJSON(w, http.StatusOK, out)
}
