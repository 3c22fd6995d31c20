// Package apikey generates and verifies API keys. Raw keys are shown once;
// only a bcrypt hash and a lookup prefix are stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reportforge/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// PrefixLen is the number of leading characters stored in clear for lookup.
	PrefixLen = 8

	rawPrefix   = "rf_"
	secretBytes = 24
)

// ScopeAdmin grants access to the key administration endpoints.
const ScopeAdmin = "admin"

var ErrInvalidName = errors.New("api key name is required")

// Prefix returns the lookup prefix of a raw key, or "" when the key is too short.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return ""
	}
	return raw[:PrefixLen]
}

// New creates a key record for tenantID and returns it with the raw key.
func New(tenantID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", ErrInvalidName
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	raw := rawPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	if scopes == nil {
		scopes = []string{}
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: Prefix(raw),
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}

// Matches reports whether raw is the key hashed in key.
func Matches(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}
