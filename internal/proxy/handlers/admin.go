package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/relaypool/gemini-relay/internal/auth/admin"
	"github.com/relaypool/gemini-relay/internal/auth/token"
	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/discovery"
	"github.com/relaypool/gemini-relay/internal/gateway"
)

// LoginHandler issues an admin session token.
func LoginHandler(sessions *admin.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tokenString, err := sessions.Login(req.Password)
		if err != nil {
			if errors.Is(err, admin.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": tokenString})
	}
}

// accountView is the sanitized admin listing of one identity. It never
// carries token material.
type accountView struct {
	Email              string     `json:"email"`
	ProjectID          string     `json:"project_id"`
	IsActive           bool       `json:"is_active"`
	PaidTier           bool       `json:"paid_tier"`
	LastUsedAt         time.Time  `json:"last_used_at"`
	ExhaustedAt        *time.Time `json:"exhausted_at,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	TotalRequests      int64      `json:"total_requests"`
	SuccessfulRequests int64      `json:"successful_requests"`
	FailedRequests     int64      `json:"failed_requests"`
	TokensUsed         int64      `json:"tokens_used"`

	InCooldown     bool      `json:"in_cooldown"`
	CooldownReason string    `json:"cooldown_reason,omitempty"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// AccountsHandler lists all identities with live cooldown state attached.
func AccountsHandler(store *db.Store, engine *gateway.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.ListAccounts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		cooldowns := engine.Cooldown().Snapshot()

		views := make([]accountView, 0, len(accounts))
		for _, acc := range accounts {
			view := accountView{
				Email:              acc.Email,
				ProjectID:          acc.ProjectID,
				IsActive:           acc.IsActive,
				PaidTier:           acc.PaidTier,
				LastUsedAt:         acc.LastUsedAt,
				ExhaustedAt:        acc.ExhaustedAt,
				ExpiresAt:          acc.ExpiresAt,
				TotalRequests:      acc.TotalRequests,
				SuccessfulRequests: acc.SuccessfulRequests,
				FailedRequests:     acc.FailedRequests,
				TokensUsed:         acc.TokensUsed,
			}
			if state, ok := cooldowns[acc.Email]; ok && time.Now().Before(state.Until) {
				view.InCooldown = true
				view.CooldownReason = string(state.Reason)
				view.CooldownUntil = state.Until
			}
			views = append(views, view)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
	}
}

// ActivateAccountHandler flips an identity back on and clears exhaustion.
func ActivateAccountHandler(store *db.Store, identities *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := store.ActivateAccount(email); err != nil {
			writeStoreError(w, err)
			return
		}
		identities.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "email": email})
	}
}

// DeactivateAccountHandler disables an identity until manual recovery.
func DeactivateAccountHandler(store *db.Store, identities *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := store.DeactivateAccount(email); err != nil {
			writeStoreError(w, err)
			return
		}
		identities.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "email": email})
	}
}

// DeleteAccountHandler removes an identity permanently.
func DeleteAccountHandler(store *db.Store, identities *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := store.DeleteAccount(email); err != nil {
			writeStoreError(w, err)
			return
		}
		identities.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "email": email})
	}
}

// ClearCooldownHandler drops the live cooldown entry for one identity.
func ClearCooldownHandler(engine *gateway.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		cleared := engine.Cooldown().Clear(email)
		engine.RateLimiter().Reset(email)
		writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared, "email": email})
	}
}

// CreateAPIKeyHandler issues a client credential. The full key appears in
// this response and nowhere else.
func CreateAPIKeyHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		plain, key, err := store.CreateAPIKey(req.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create key")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"id":     key.ID,
			"key":    plain,
			"prefix": key.Prefix,
		})
	}
}

// ListAPIKeysHandler lists credentials (prefix and counters only).
func ListAPIKeysHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := store.ListAPIKeys()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list keys")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
	}
}

// RevokeAPIKeyHandler disables a credential, keeping its usage history.
func RevokeAPIKeyHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.RevokeAPIKey(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": id})
	}
}

// DeleteAPIKeyHandler removes a credential permanently.
func DeleteAPIKeyHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.DeleteAPIKey(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

// LogsHandler lists recent audit records.
func LogsHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		logs, err := store.GetRequestLogs(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list logs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
	}
}

// StatsHandler aggregates the audit table and live engine state.
func StatsHandler(store *db.Store, engine *gateway.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.GetRequestStats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to aggregate stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"requests":  stats,
			"cooldowns": engine.Cooldown().Snapshot(),
		})
	}
}

// DiscoveryScanHandler lists credentials found on the host, tokens masked.
func DiscoveryScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()
		masked := make([]discovery.Credential, 0, len(result.Credentials))
		for _, cred := range result.Credentials {
			masked = append(masked, discovery.Masked(cred))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"credentials": masked,
			"errors":      result.Errors,
		})
	}
}

// DiscoveryImportHandler imports scanned credentials as pool identities.
// Identities without an email in the credential file are skipped; the
// enrollment flow is the fallback for those.
func DiscoveryImportHandler(store *db.Store, identities *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()
		imported := make([]string, 0)
		skipped := make([]string, 0)

		for _, cred := range result.Credentials {
			if cred.Email == "" {
				skipped = append(skipped, cred.ConfigPath)
				continue
			}
			account := &models.Account{
				Email:        cred.Email,
				AccessToken:  cred.AccessToken,
				RefreshToken: cred.RefreshToken,
				ExpiresAt:    cred.ExpiresAt,
				ProjectID:    cred.ProjectID,
				IsActive:     true,
				LastUsedAt:   time.Now(),
			}
			if err := store.UpsertAccount(account); err != nil {
				log.Printf("⚠️ Import of %s failed: %v", cred.Email, err)
				skipped = append(skipped, cred.ConfigPath)
				continue
			}
			imported = append(imported, cred.Email)
		}
		if len(imported) > 0 {
			identities.Invalidate()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"imported": imported,
			"skipped":  skipped,
		})
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "storage error")
}
