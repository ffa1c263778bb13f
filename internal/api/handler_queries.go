package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"datapilot/internal/domain"
	"datapilot/internal/service/query"
)

func (h *Handler) executeQuery(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.Execute(r.Context(), query.ExecuteRequest{
		Question:     body.NaturalLanguageQuery,
		ConnectionID: body.ConnectionID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResultToAPI(res))
}

func (h *Handler) rerunQuery(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResultToAPI(res))
}

func (h *Handler) listQueries(w http.ResponseWriter, r *http.Request) {
	page, savedOnly, err := listParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.history.List(r.Context(), page, savedOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := queryPageJSON{
		Queries:  make([]queryRecordJSON, len(p.Records)),
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}
	for i, rec := range p.Records {
		out.Queries[i] = queryRecordToAPI(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func listParams(r *http.Request) (domain.PageRequest, bool, error) {
	q := r.URL.Query()
	var (
		page      domain.PageRequest
		savedOnly bool
		err       error
	)
	if v := q.Get("page"); v != "" {
		if page.Page, err = strconv.Atoi(v); err != nil || page.Page < 1 {
			return page, false, domain.ErrValidation("page must be a positive integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if page.PageSize, err = strconv.Atoi(v); err != nil || page.PageSize < 1 {
			return page, false, domain.ErrValidation("page_size must be a positive integer")
		}
	}
	if v := q.Get("saved_only"); v != "" {
		if savedOnly, err = strconv.ParseBool(v); err != nil {
			return page, false, domain.ErrValidation("saved_only must be a boolean")
		}
	}
	return page, savedOnly, nil
}

func (h *Handler) getQuery(w http.ResponseWriter, r *http.Request) {
	rec, err := h.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryRecordToAPI(*rec))
}

func (h *Handler) saveQuery(w http.ResponseWriter, r *http.Request) {
	var body saveBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.history.Save(r.Context(), chi.URLParam(r, "id"), body.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryRecordToAPI(*rec))
}

func (h *Handler) deleteQuery(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateSQL dry-runs the statement policy. Nothing is executed or stored.
func (h *Handler) validateSQL(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := domain.RequireIdentity(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	v := h.validator.Validate(body.SQL)
	writeJSON(w, http.StatusOK, verdictJSON{
		Allowed:        v.Allowed,
		Classification: string(v.Classification),
		NormalizedSQL:  v.NormalizedSQL,
		Reason:         v.Reason,
	})
}
