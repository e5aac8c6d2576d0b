// ABOUTME: HTTP API handlers for sessions, realms, users and connections
// ABOUTME: Maps store and feature errors onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/fleet/internal/auth"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
	"github.com/2389/fleet/internal/network"
	"github.com/2389/fleet/internal/realm"
)

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Realm    string `json:"realm,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token string `json:"token"`
	Realm string `json:"realm"`
}

// CreateRealmRequest is the JSON request body for POST /api/realms.
type CreateRealmRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// ListRealmsResponse is the JSON response for GET /api/realms.
type ListRealmsResponse struct {
	Realms []realm.Data `json:"realms"`
}

// CreateUserRequest is the JSON request body for POST /api/realms/{realm}/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

// ListUsersResponse is the JSON response for GET /api/realms/{realm}/users.
type ListUsersResponse struct {
	Users []auth.UserData `json:"users"`
}

// RecordConnectionRequest is the JSON request body for POST /api/realms/{realm}/connections.
type RecordConnectionRequest struct {
	Remote    string `json:"remote"`
	Address   string `json:"address"`
	Direction string `json:"direction"`
}

// HeartbeatRequest is the JSON request body for POST .../connections/{id}/heartbeat.
// A retried heartbeat reusing its Nonce is acknowledged without writing a
// second revision.
type HeartbeatRequest struct {
	RTTMillis int64  `json:"rtt_ms"`
	Nonce     string `json:"nonce,omitempty"`
}

// ListConnectionsResponse is the JSON response for GET /api/realms/{realm}/connections.
// Sequence is set on event stream snapshots.
type ListConnectionsResponse struct {
	Connections []network.ConnectionData `json:"connections"`
	Sequence    uint64                   `json:"sequence,omitempty"`
}

// RevisionResponse is one entry of a connection history.
type RevisionResponse struct {
	Sequence   uint64                 `json:"sequence"`
	Latest     bool                   `json:"latest"`
	Created    time.Time              `json:"created"`
	Connection network.ConnectionData `json:"connection"`
}

// HistoryResponse is the JSON response for GET .../connections/{id}/history.
type HistoryResponse struct {
	ID        string             `json:"id"`
	Revisions []RevisionResponse `json:"revisions"`
}

// statusFor maps an error to the HTTP status reported to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrAccessDenied):
		return http.StatusUnauthorized
	case errors.Is(err, realm.ErrUnknownRealm),
		errors.Is(err, network.ErrConnectionNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, realm.ErrRealmExists),
		errors.Is(err, auth.ErrUserExists),
		errors.Is(err, database.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, database.ErrValidation),
		errors.Is(err, auth.ErrInvalidPassword),
		errors.Is(err, instance.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error with its mapped status. Internal
// errors are logged and reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleLogin handles POST /api/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	name := database.DefaultRealm
	if req.Realm != "" {
		name = database.RealmName(req.Realm)
	}

	token, err := g.auth.Login(r.Context(), name, req.Username, req.Password)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, LoginResponse{Token: token, Realm: string(name)})
}

// handleLogout handles POST /api/logout.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if err := g.auth.Logout(r.Context(), id.Realm, id.SessionID); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListRealms handles GET /api/realms.
func (g *Gateway) handleListRealms(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	visible := []realm.Data{}
	for _, d := range g.realms.Realms() {
		if id.CanAccess(d.Name) {
			visible = append(visible, d)
		}
	}
	g.sendJSON(w, http.StatusOK, ListRealmsResponse{Realms: visible})
}

// handleCreateRealm handles POST /api/realms.
func (g *Gateway) handleCreateRealm(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if !id.Admin || id.Realm != database.DefaultRealm {
		g.sendJSONError(w, http.StatusForbidden, "admin of the default realm required")
		return
	}
	var req CreateRealmRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Owner == "" {
		req.Owner = id.Username
	}

	d, err := g.realms.Create(r.Context(), database.RealmName(req.Name), req.Owner)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, d)
}

// requireRealm resolves the {realm} path value and checks the caller may
// act on it.
func (g *Gateway) requireRealm(w http.ResponseWriter, r *http.Request) (database.RealmName, bool) {
	name := database.RealmName(r.PathValue("realm"))
	id := auth.MustFromContext(r.Context())
	if !id.CanAccess(name) {
		g.sendJSONError(w, http.StatusForbidden, "no access to realm")
		return "", false
	}
	if _, err := g.realms.Get(name); err != nil {
		g.sendError(w, r, err)
		return "", false
	}
	return name, true
}

func (g *Gateway) requireTracker(w http.ResponseWriter, r *http.Request) (*network.Tracker, bool) {
	name, ok := g.requireRealm(w, r)
	if !ok {
		return nil, false
	}
	tracker, err := g.network.Realm(r.Context(), name)
	if err != nil {
		g.sendError(w, r, err)
		return nil, false
	}
	return tracker, true
}

// handleListUsers handles GET /api/realms/{realm}/users.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	name, ok := g.requireRealm(w, r)
	if !ok {
		return
	}
	if !auth.MustFromContext(r.Context()).Admin {
		g.sendJSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	users, err := g.auth.Users(r.Context(), name)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.UserData{}
	}
	g.sendJSON(w, http.StatusOK, ListUsersResponse{Users: users})
}

// handleCreateUser handles POST /api/realms/{realm}/users.
func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	name, ok := g.requireRealm(w, r)
	if !ok {
		return
	}
	if !auth.MustFromContext(r.Context()).Admin {
		g.sendJSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req CreateUserRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := g.auth.CreateUser(r.Context(), name, req.Username, req.Password, req.Admin)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, user)
}

// handleListConnections handles GET /api/realms/{realm}/connections.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	conns := tracker.Connections()
	if conns == nil {
		conns = []network.ConnectionData{}
	}
	g.sendJSON(w, http.StatusOK, ListConnectionsResponse{Connections: conns})
}

// handleRecordConnection handles POST /api/realms/{realm}/connections.
func (g *Gateway) handleRecordConnection(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	var req RecordConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	remote, err := instance.ParseID(req.Remote)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	c, err := tracker.Record(r.Context(), remote, req.Address, network.Direction(req.Direction))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, c)
}

// handleHeartbeat handles POST /api/realms/{realm}/connections/{id}/heartbeat.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	var req HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := database.DataIdentifier(r.PathValue("id"))
	var nonceKey string
	if req.Nonce != "" {
		nonceKey = r.PathValue("realm") + "/" + string(id) + "/" + req.Nonce
		if g.heartbeats.CheckAndMark(nonceKey) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	if err := tracker.Heartbeat(r.Context(), id, time.Duration(req.RTTMillis)*time.Millisecond); err != nil {
		if nonceKey != "" {
			g.heartbeats.Forget(nonceKey)
		}
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDisconnect handles DELETE /api/realms/{realm}/connections/{id}.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	if err := tracker.Disconnect(r.Context(), database.DataIdentifier(r.PathValue("id"))); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectionHistory handles GET /api/realms/{realm}/connections/{id}/history.
// An optional since query parameter (RFC 3339) drops older revisions.
func (g *Gateway) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	rng := database.AllCreations()
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		rng = database.Since(t)
	}

	id := database.DataIdentifier(r.PathValue("id"))
	revs, err := tracker.History(r.Context(), id, rng)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := HistoryResponse{ID: string(id), Revisions: make([]RevisionResponse, len(revs))}
	for i, rev := range revs {
		resp.Revisions[i] = RevisionResponse{
			Sequence:   rev.Revision.Sequence,
			Latest:     rev.Revision.Latest,
			Created:    rev.Created,
			Connection: rev.Value,
		}
	}
	g.sendJSON(w, http.StatusOK, resp)
}
