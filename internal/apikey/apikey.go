// Package apikey mints API keys. The raw key is returned exactly once;
// only its bcrypt hash and lookup prefix are persisted.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gapscout/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks every raw key so leaked secrets are recognisable.
	Prefix = "gsk_"
	// PrefixLen is how many leading characters are stored for lookup.
	PrefixLen   = 8
	secretBytes = 24
	maxNameLen  = 100
)

var ErrInvalidKey = errors.New("invalid api key request")

// KnownScopes lists the scopes a key may carry.
var KnownScopes = []string{models.ScopeSubmit, models.ScopeAdmin}

// Generate creates a new key named name with scopes. It returns the raw key
// and the model to persist.
func Generate(name string, scopes []string) (string, *models.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("%w: name is required", ErrInvalidKey)
	}
	if len(name) > maxNameLen {
		return "", nil, fmt.Errorf("%w: name must be at most %d characters", ErrInvalidKey, maxNameLen)
	}
	scopes, err := NormalizeScopes(scopes)
	if err != nil {
		return "", nil, err
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("read random: %w", err)
	}
	raw := Prefix + base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NormalizeScopes trims, deduplicates, and validates scopes. An empty list
// defaults to submit.
func NormalizeScopes(scopes []string) ([]string, error) {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !slices.Contains(KnownScopes, s) {
			return nil, fmt.Errorf("%w: unknown scope %q: must be one of %s",
				ErrInvalidKey, s, strings.Join(KnownScopes, ", "))
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, models.ScopeSubmit)
	}
	return out, nil
}
