package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/hub"
	"github.com/tactics-sync/combat-sync/internal/media"
	"github.com/tactics-sync/combat-sync/internal/session"
)

// IdentityVerifier checks bearer tokens from the identity provider.
type IdentityVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ErrNoIdentityProvider is returned for create and join when no identity
// verifier is configured and bearer values are not trusted.
var ErrNoIdentityProvider = errors.New("no identity provider configured")

type API struct {
	Hub      *hub.Hub
	Identity IdentityVerifier
	// TrustBearer takes the raw bearer value as the caller's subject when
	// Identity is nil. Development only.
	TrustBearer bool
	Media       *media.GrantIssuer
	Log         *zap.Logger
}

type unitRequest struct {
	Template string           `json:"template"`
	Name     string           `json:"name,omitempty"`
	Position *engine.Position `json:"position,omitempty"`
}

type joinBody struct {
	DisplayName string        `json:"displayName,omitempty"`
	Units       []unitRequest `json:"units,omitempty"`
}

type createBody struct {
	joinBody
	Options hub.Options `json:"options"`
}

type joinResponse struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Role          string `json:"role,omitempty"`
	JoinToken     string `json:"joinToken"`
}

func (b joinBody) request(id auth.Identity) session.JoinRequest {
	req := session.JoinRequest{
		Participant: engine.ParticipantID(id.Subject),
		DisplayName: b.DisplayName,
	}
	if req.DisplayName == "" {
		req.DisplayName = id.DisplayName
	}
	for _, u := range b.Units {
		req.Units = append(req.Units, session.UnitSpec{Template: u.Template, Name: u.Name, Position: u.Position})
	}
	return req
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := a.identify(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}

	created, err := a.Hub.Create(r.Context(), body.request(id), body.Options)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, joinResponse{
		SessionID:     created.SessionID,
		ParticipantID: id.Subject,
		Role:          string(session.RoleHost),
		JoinToken:     created.JoinToken,
	})
}

func (a *API) JoinSession(w http.ResponseWriter, r *http.Request) {
	id, err := a.identify(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body joinBody
	if !decodeBody(w, r, &body) {
		return
	}

	sessionID := chi.URLParam(r, "id")
	token, p, err := a.Hub.Join(r.Context(), sessionID, body.request(id))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		SessionID:     sessionID,
		ParticipantID: string(p.ID),
		Role:          string(p.Role),
		JoinToken:     token,
	})
}

func (a *API) StartSession(w http.ResponseWriter, r *http.Request) {
	claims, ctrl, err := a.Hub.Authorize(r.Context(), bearer(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := ctrl.Start(r.Context(), engine.ParticipantID(claims.ParticipantID)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) EndSession(w http.ResponseWriter, r *http.Request) {
	claims, ctrl, err := a.Hub.Authorize(r.Context(), bearer(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := ctrl.End(r.Context(), engine.ParticipantID(claims.ParticipantID)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Hub.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) MediaGrant(w http.ResponseWriter, r *http.Request) {
	claims, _, err := a.Hub.Authorize(r.Context(), bearer(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	grant, err := a.Media.Issue(claims.SessionID, claims.ParticipantID, claims.DisplayName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	ids, err := a.Hub.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(ids)})
}

// identify resolves the caller from the identity provider token. Without a
// configured verifier the bearer value is taken as the subject, if
// TrustBearer allows it.
func (a *API) identify(r *http.Request) (auth.Identity, error) {
	token := bearer(r)
	if a.Identity == nil {
		if !a.TrustBearer {
			return auth.Identity{}, ErrNoIdentityProvider
		}
		if token == "" {
			return auth.Identity{}, auth.ErrMissingToken
		}
		return auth.Identity{Subject: token, DisplayName: token}, nil
	}
	return a.Identity.Verify(token)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, hub.ErrWrongSession),
		errors.Is(err, session.ErrNotHost),
		errors.Is(err, session.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, hub.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrSessionAlreadyActive),
		errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrNoSpawnRoom),
		errors.Is(err, engine.ErrNotEnoughSides):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManyUnits),
		errors.Is(err, engine.ErrCellOccupied),
		errors.Is(err, engine.ErrOutOfBoard),
		errors.Is(err, engine.ErrDuplicateUnit):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrNotConfigured),
		errors.Is(err, hub.ErrHubClosed),
		errors.Is(err, ErrNoIdentityProvider):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
