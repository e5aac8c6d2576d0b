// ABOUTME: Tests for the HTTP API handlers and error mapping
// ABOUTME: Covers login, realm access control, connections and the event stream

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet/internal/auth"
	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/instance"
	"github.com/2389/fleet/internal/network"
	"github.com/2389/fleet/internal/realm"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: auth.ErrAccessDenied, want: http.StatusUnauthorized},
		{err: fmt.Errorf("wrapped: %w", realm.ErrUnknownRealm), want: http.StatusNotFound},
		{err: network.ErrConnectionNotFound, want: http.StatusNotFound},
		{err: database.ErrNotFound, want: http.StatusNotFound},
		{err: realm.ErrRealmExists, want: http.StatusConflict},
		{err: database.ErrAlreadyExists, want: http.StatusConflict},
		{err: auth.ErrUserExists, want: http.StatusConflict},
		{err: database.ErrValidation, want: http.StatusBadRequest},
		{err: auth.ErrInvalidPassword, want: http.StatusBadRequest},
		{err: instance.ErrInvalidID, want: http.StatusBadRequest},
		{err: database.ErrClosed, want: http.StatusServiceUnavailable},
		{err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestLogin(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)
	assert.NotEmpty(t, token)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "wrong password", body: LoginRequest{Username: "admin", Password: "nope nope"}, want: http.StatusUnauthorized},
		{name: "unknown user", body: LoginRequest{Username: "nobody", Password: "correct horse"}, want: http.StatusUnauthorized},
		{name: "unknown realm", body: LoginRequest{Realm: "nowhere", Username: "admin", Password: "correct horse"}, want: http.StatusUnauthorized},
		{name: "missing fields", body: LoginRequest{Username: "admin"}, want: http.StatusBadRequest},
		{name: "not json", body: "just a string", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, g, http.MethodPost, "/api/login", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestLogout(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)

	rec := do(t, g, http.MethodGet, "/api/realms", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, g, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, g, http.MethodGet, "/api/realms", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRealms_AccessControl(t *testing.T) {
	g := newTestGateway(t)
	admin := login(t, g, database.DefaultRealm, "admin", true)

	rec := do(t, g, http.MethodGet, "/api/realms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, g, http.MethodPost, "/api/realms", admin, CreateRealmRequest{Name: "lab1", Owner: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created realm.Data
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, database.RealmName("lab1"), created.Name)

	rec = do(t, g, http.MethodPost, "/api/realms", admin, CreateRealmRequest{Name: "lab1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, g, http.MethodPost, "/api/realms", admin, CreateRealmRequest{Name: "No!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, g, http.MethodPost, "/api/realms/lab1/users", admin, CreateUserRequest{Username: "alice", Password: "correct horse"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(t, g, http.MethodPost, "/api/login", "", LoginRequest{Realm: "lab1", Username: "alice", Password: "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	alice := resp.Token

	// The default admin sees every realm, alice only her own.
	var list ListRealmsResponse
	rec = do(t, g, http.MethodGet, "/api/realms", admin, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Realms, 2)

	rec = do(t, g, http.MethodGet, "/api/realms", alice, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Realms, 1)
	assert.Equal(t, database.RealmName("lab1"), list.Realms[0].Name)

	rec = do(t, g, http.MethodGet, "/api/realms/default/connections", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, g, http.MethodPost, "/api/realms", alice, CreateRealmRequest{Name: "lab2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, g, http.MethodPost, "/api/realms/lab1/users", alice, CreateUserRequest{Username: "bobby", Password: "correct horse"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, g, http.MethodGet, "/api/realms/lab1/users", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, g, http.MethodGet, "/api/realms/lab1/users", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users ListUsersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users.Users, 1)
	assert.Equal(t, "alice", users.Users[0].Username)
	assert.False(t, users.Users[0].Admin)

	rec = do(t, g, http.MethodGet, "/api/realms/nowhere/connections", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnections(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)
	remote := instance.NewID(instance.Agent)

	rec := do(t, g, http.MethodGet, "/api/realms/default/connections", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":[]}`, rec.Body.String())

	rec = do(t, g, http.MethodPost, "/api/realms/default/connections", token, RecordConnectionRequest{
		Remote:    remote.String(),
		Address:   "10.0.0.5:7000",
		Direction: "inbound",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conn network.ConnectionData
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conn))
	assert.Equal(t, remote, conn.Remote)

	path := "/api/realms/default/connections/" + string(conn.ID)
	rec = do(t, g, http.MethodPost, path+"/heartbeat", token, HeartbeatRequest{RTTMillis: 4})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, g, http.MethodGet, "/api/realms/default/connections", token, nil)
	var list ListConnectionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Connections, 1)
	assert.Equal(t, 4*time.Millisecond, list.Connections[0].RTT)

	rec = do(t, g, http.MethodGet, path+"/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	require.Len(t, hist.Revisions, 2)
	assert.True(t, hist.Revisions[1].Latest)

	rec = do(t, g, http.MethodGet, path+"/history?since=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, g, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, g, http.MethodPost, path+"/heartbeat", token, HeartbeatRequest{RTTMillis: 4})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, g, http.MethodPost, "/api/realms/default/connections", token, RecordConnectionRequest{Remote: "garbage", Direction: "inbound"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, g, http.MethodPost, "/api/realms/default/connections", token, RecordConnectionRequest{Remote: remote.String(), Direction: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeat_RetriedNonceWritesOnce(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)

	rec := do(t, g, http.MethodPost, "/api/realms/default/connections", token, RecordConnectionRequest{
		Remote:    instance.NewID(instance.Agent).String(),
		Address:   "10.0.0.9:7000",
		Direction: "outbound",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conn network.ConnectionData
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conn))
	path := "/api/realms/default/connections/" + string(conn.ID)

	for range 3 {
		rec = do(t, g, http.MethodPost, path+"/heartbeat", token, HeartbeatRequest{RTTMillis: 2, Nonce: "n1"})
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec = do(t, g, http.MethodPost, path+"/heartbeat", token, HeartbeatRequest{RTTMillis: 3, Nonce: "n2"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, g, http.MethodGet, path+"/history", token, nil)
	var hist HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	assert.Len(t, hist.Revisions, 3)

	// A failed heartbeat does not burn its nonce.
	missing := "/api/realms/default/connections/nope/heartbeat"
	rec = do(t, g, http.MethodPost, missing, token, HeartbeatRequest{Nonce: "n3"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, g, http.MethodPost, missing, token, HeartbeatRequest{Nonce: "n3"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseReader reads events from a text/event-stream body.
type sseReader struct {
	r *bufio.Reader
}

func (s *sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestConnectionEvents(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	tracker, err := g.network.Realm(t.Context(), database.DefaultRealm)
	require.NoError(t, err)
	existing, err := tracker.Record(t.Context(), instance.NewID(instance.Client), "10.0.0.1:7000", network.Inbound)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realms/default/connections/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := &sseReader{r: bufio.NewReader(resp.Body)}
	event, data := stream.next(t)
	require.Equal(t, "snapshot", event)
	var snapshot ListConnectionsResponse
	require.NoError(t, json.Unmarshal([]byte(data), &snapshot))
	require.Len(t, snapshot.Connections, 1)
	assert.Equal(t, existing.ID, snapshot.Connections[0].ID)
	assert.NotZero(t, snapshot.Sequence)

	added, err := tracker.Record(t.Context(), instance.NewID(instance.Agent), "10.0.0.2:7000", network.Outbound)
	require.NoError(t, err)
	require.NoError(t, tracker.Heartbeat(t.Context(), added.ID, time.Millisecond))
	require.NoError(t, tracker.Disconnect(t.Context(), existing.ID))

	for _, want := range []struct {
		kind string
		id   database.DataIdentifier
	}{
		{kind: "added", id: added.ID},
		{kind: "updated", id: added.ID},
		{kind: "removed", id: existing.ID},
	} {
		event, data := stream.next(t)
		require.Equal(t, want.kind, event)
		var ce ConnectionEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ce))
		assert.Equal(t, want.kind, ce.Kind)
		assert.Equal(t, string(want.id), ce.ID)
		assert.Greater(t, ce.Sequence, snapshot.Sequence)
	}
}

func TestConnectionEvents_EndOnShutdown(t *testing.T) {
	g := newTestGateway(t)
	token := login(t, g, database.DefaultRealm, "admin", true)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/api/realms/default/connections/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	stream := &sseReader{r: bufio.NewReader(resp.Body)}
	event, _ := stream.next(t)
	require.Equal(t, "snapshot", event)

	require.NoError(t, g.Shutdown(context.Background()))
	_, err = stream.r.ReadString('\n')
	assert.Error(t, err, "stream ends when the gateway shuts down")
}
