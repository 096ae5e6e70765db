package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/internal/scheduler"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockQueue struct {
	stats scheduler.Stats
	err   error
}

func (m *mockQueue) Stats(_ context.Context) (scheduler.Stats, error) { return m.stats, m.err }

type mockUsage struct {
	usage   *models.Usage
	err     error
	gotTier string
}

func (m *mockUsage) Usage(_ context.Context, identity string) (*models.Usage, error) {
	if m.err != nil {
		return nil, m.err
	}
	u := *m.usage
	u.Identity = identity
	return &u, nil
}

func (m *mockUsage) SetTier(_ context.Context, identity, tier string) (*models.Usage, error) {
	m.gotTier = tier
	if m.err != nil {
		return nil, m.err
	}
	u := *m.usage
	u.Identity, u.Tier = identity, tier
	return &u, nil
}

type mockKeyStore struct {
	created   []*models.APIKey
	keys      []*models.APIKey
	createErr error
	revokeErr error
	revoked   []uuid.UUID
}

func (m *mockKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, key)
	return nil
}

func (m *mockKeyStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) { return m.keys, nil }

func (m *mockKeyStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.revoked = append(m.revoked, id)
	return m.revokeErr
}

// --- queue ---

func TestQueue_Stats(t *testing.T) {
	q := &mockQueue{stats: scheduler.Stats{QueueLength: 4, ActiveJobs: 2, MaxConcurrent: 2}}

	rec := httptest.NewRecorder()
	NewQueueHandler(q).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(4), data["queue_length"])
	assert.Equal(t, float64(2), data["active_jobs"])
	assert.Equal(t, float64(2), data["max_concurrent"])
}

func TestQueue_Error(t *testing.T) {
	rec := httptest.NewRecorder()
	NewQueueHandler(&mockQueue{err: errors.New("db down")}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- usage ---

func TestUsage_Get(t *testing.T) {
	us := &mockUsage{usage: &models.Usage{Tier: "free", Used: 2, MonthlyLimit: 3, Remaining: 1}}

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "identity", "a@x.io")
	rec := httptest.NewRecorder()
	NewUsageHandler(us).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "a@x.io", data["identity"])
	assert.Equal(t, float64(1), data["remaining"])
}

func TestSetTier(t *testing.T) {
	us := &mockUsage{usage: &models.Usage{MonthlyLimit: 50}}

	req := withURLParams(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"tier":"pro"}`)),
		"identity", "a@x.io")
	rec := httptest.NewRecorder()
	NewSetTierHandler(us).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pro", us.gotTier)
	assert.Equal(t, "pro", decodeData(t, rec)["tier"])
}

func TestSetTier_Unknown(t *testing.T) {
	us := &mockUsage{err: fmt.Errorf("%w: %q", quota.ErrUnknownTier, "platinum")}

	req := withURLParams(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"tier":"platinum"}`)),
		"identity", "a@x.io")
	rec := httptest.NewRecorder()
	NewSetTierHandler(us).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTier_MissingTier(t *testing.T) {
	req := withURLParams(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{}`)),
		"identity", "a@x.io")
	rec := httptest.NewRecorder()
	NewSetTierHandler(&mockUsage{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- keys ---

func TestCreateKey(t *testing.T) {
	ks := &mockKeyStore{}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys",
		strings.NewReader(`{"name":"worker","scopes":["submit"]}`))
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(ks).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var env struct {
		Data struct {
			Key       string   `json:"key"`
			KeyPrefix string   `json:"key_prefix"`
			Scopes    []string `json:"scopes"`
			KeyHash   string   `json:"key_hash"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.True(t, strings.HasPrefix(env.Data.Key, "gsk_"))
	assert.Equal(t, env.Data.Key[:8], env.Data.KeyPrefix)
	assert.Equal(t, []string{"submit"}, env.Data.Scopes)
	assert.Empty(t, env.Data.KeyHash, "hash must never be serialized")

	require.Len(t, ks.created, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(ks.created[0].KeyHash), []byte(env.Data.Key)))
}

func TestCreateKey_InvalidScope(t *testing.T) {
	ks := &mockKeyStore{}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"w","scopes":["root"]}`))
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(ks).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ks.created)
}

func TestCreateKey_Collision(t *testing.T) {
	ks := &mockKeyStore{createErr: store.ErrDuplicateKey}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"w"}`))
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(ks).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListKeys_EmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	NewListKeysHandler(&mockKeyStore{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestRevokeKey(t *testing.T) {
	id := uuid.New()
	ks := &mockKeyStore{}

	req := withURLParams(httptest.NewRequest(http.MethodDelete, "/", nil), "keyID", id.String())
	rec := httptest.NewRecorder()
	NewRevokeKeyHandler(ks).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{id}, ks.revoked)
}

func TestRevokeKey_Errors(t *testing.T) {
	t.Run("bad id", func(t *testing.T) {
		req := withURLParams(httptest.NewRequest(http.MethodDelete, "/", nil), "keyID", "nope")
		rec := httptest.NewRecorder()
		NewRevokeKeyHandler(&mockKeyStore{}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("not found", func(t *testing.T) {
		req := withURLParams(httptest.NewRequest(http.MethodDelete, "/", nil), "keyID", uuid.NewString())
		rec := httptest.NewRecorder()
		NewRevokeKeyHandler(&mockKeyStore{revokeErr: store.ErrNotFound}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
