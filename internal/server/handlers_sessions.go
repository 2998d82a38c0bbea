package server

import (
	"net/http"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/service/games"
)

// HandleStartSession handles POST /v1/sessions. It answers 201 for a new
// session and 200 when the identifier already names a live session with the
// same participants.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	snap, created, err := h.games.Start(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, &snap)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, snap)
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusActive, model.StatusTerminated, model.StatusForfeited, model.StatusExpired:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status filter: "+string(status))
		return
	}
	snaps, total := h.games.List(r.Context(), games.ListInput{
		Status: status,
		Limit:  queryLimit(r, 100),
		Offset: queryOffset(r),
	})
	writeListJSON(w, r, snaps, total)
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.games.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleAdvanceSession handles POST /v1/sessions/{id}/advance.
func (h *Handlers) HandleAdvanceSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.games.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, &snap)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleResumeSession handles POST /v1/sessions/{id}/resume.
func (h *Handlers) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.games.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, &snap)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleCancelSession handles POST /v1/sessions/{id}/cancel. Cancelling a
// finished session returns its final snapshot.
func (h *Handlers) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.games.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleListMoves handles GET /v1/sessions/{id}/moves.
func (h *Handlers) HandleListMoves(w http.ResponseWriter, r *http.Request) {
	moves, err := h.games.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeListJSON(w, r, moves, len(moves))
}
