// Package auth validates device and tenant API keys against the store and
// enforces the write-authorization predicate for non-IoT domains.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sensorgrid/ingest/internal/store"
)

// Role is the capability class carried by a tenant API key.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleSourceWriter Role = "SOURCE_WRITER"
	RoleReadOnly     Role = "READ_ONLY"
)

// Header names checked by the transports.
const (
	HeaderDeviceKey = "X-Device-Key"
	HeaderAPIKey    = "X-API-Key"
)

// AuthError is a typed authentication or authorization failure carrying the
// HTTP status the transport should answer with.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string { return e.Message }

var (
	// ErrInvalidKey covers unknown, revoked, expired, and inactive keys.
	ErrInvalidKey = &AuthError{Status: http.StatusUnauthorized, Message: "invalid or revoked key"}
	// ErrForbidden covers scope mismatches on an otherwise valid key.
	ErrForbidden = &AuthError{Status: http.StatusForbidden, Message: "key not authorized for this write"}
	// ErrAuthUnavailable is returned when the key store cannot be reached.
	ErrAuthUnavailable = &AuthError{Status: http.StatusServiceUnavailable, Message: "authentication temporarily unavailable"}
)

// DeviceIdentity is the principal behind a validated device key.
type DeviceIdentity struct {
	KeyID      int64
	DeviceID   int64
	DeviceUUID string
}

// APIKeyInfo is the principal behind a validated tenant key.
type APIKeyInfo struct {
	Role            Role
	AllowedSourceID string
	AllowedDomains  []string
}

// KeyStore is the persistence surface. *store.Store satisfies it.
type KeyStore interface {
	LookupDeviceKey(ctx context.Context, keyHash string) (*store.DeviceKeyRow, error)
	TouchDeviceKey(ctx context.Context, keyID, deviceID int64) error
	LookupAPIKey(ctx context.Context, keyHash string) (*store.APIKeyRow, error)
	TouchAPIKey(ctx context.Context, keyHash string) error
}

// Authenticator validates keys. It holds no cache: key lookups are one
// indexed SELECT and revocation must take effect immediately.
type Authenticator struct {
	store  KeyStore
	logger *slog.Logger
	now    func() time.Time
}

func New(st KeyStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: st, logger: logger.With("component", "auth"), now: time.Now}
}

// HashKey returns the hex SHA-256 of a plaintext key, the only form ever
// stored or compared.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyPrefix is what may appear in logs. Never the plaintext.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// ValidateDeviceKey checks a device key and binds it to the claimed device
// uuid. Returns ErrInvalidKey, ErrForbidden, or ErrAuthUnavailable.
func (a *Authenticator) ValidateDeviceKey(ctx context.Context, key, claimedDeviceUUID string) (*DeviceIdentity, error) {
	row, err := a.store.LookupDeviceKey(ctx, HashKey(key))
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("unknown device key", "key_prefix", keyPrefix(key))
		return nil, ErrInvalidKey
	}
	if err != nil {
		a.logger.Error("device key lookup failed", "error", err)
		return nil, ErrAuthUnavailable
	}
	if !a.keyUsable(row.Active, row.RevokedAt, row.ExpiresAt) {
		a.logger.Warn("revoked or expired device key", "key_prefix", keyPrefix(key))
		return nil, ErrInvalidKey
	}
	if claimedDeviceUUID != "" && row.DeviceUUID != claimedDeviceUUID {
		a.logger.Warn("device key bound to different device",
			"key_prefix", keyPrefix(key), "claimed", claimedDeviceUUID)
		return nil, ErrForbidden
	}

	// Best effort; a failed touch never fails the request.
	if err := a.store.TouchDeviceKey(ctx, row.KeyID, row.DeviceID); err != nil {
		a.logger.Warn("device key touch failed", "error", err)
	}
	return &DeviceIdentity{KeyID: row.KeyID, DeviceID: row.DeviceID, DeviceUUID: row.DeviceUUID}, nil
}

// ValidateAPIKey checks a tenant key and returns its capability info.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	hash := HashKey(key)
	row, err := a.store.LookupAPIKey(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("unknown api key", "key_prefix", keyPrefix(key))
		return nil, ErrInvalidKey
	}
	if err != nil {
		a.logger.Error("api key lookup failed", "error", err)
		return nil, ErrAuthUnavailable
	}
	if !a.keyUsable(row.Active, row.RevokedAt, row.ExpiresAt) {
		a.logger.Warn("revoked or expired api key", "key_prefix", keyPrefix(key))
		return nil, ErrInvalidKey
	}

	if err := a.store.TouchAPIKey(ctx, hash); err != nil {
		a.logger.Warn("api key touch failed", "error", err)
	}
	return &APIKeyInfo{
		Role:            Role(row.Role),
		AllowedSourceID: row.AllowedSourceID,
		AllowedDomains:  row.AllowedDomains,
	}, nil
}

func (a *Authenticator) keyUsable(active bool, revokedAt, expiresAt *time.Time) bool {
	if !active || revokedAt != nil {
		return false
	}
	return expiresAt == nil || a.now().Before(*expiresAt)
}

// Authorize decides whether info may write observations for (domain, source).
// ADMIN always may; SOURCE_WRITER needs an exact source match and the domain
// in its allow list; READ_ONLY never writes.
func Authorize(info *APIKeyInfo, domain, sourceID string) error {
	switch info.Role {
	case RoleAdmin:
		return nil
	case RoleSourceWriter:
		if info.AllowedSourceID != sourceID {
			return &AuthError{Status: http.StatusForbidden,
				Message: fmt.Sprintf("key not authorized for source %q", sourceID)}
		}
		for _, d := range info.AllowedDomains {
			if d == domain {
				return nil
			}
		}
		return &AuthError{Status: http.StatusForbidden,
			Message: fmt.Sprintf("key not authorized for domain %q", domain)}
	default:
		return ErrForbidden
	}
}
