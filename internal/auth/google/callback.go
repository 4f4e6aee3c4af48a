package google

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/upstream"
)

// HandleCallback finishes enrollment: exchanges the code, resolves the
// account email and its Code-Assist project, and upserts the identity row.
// onEnrolled runs after a successful upsert so callers can invalidate their
// identity caches.
func (o *OAuth) HandleCallback(store *db.Store, client *upstream.Client, configuredRedirectURL string, onEnrolled func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != StateToken() {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		redirectURL := configuredRedirectURL
		if redirectURL == "" {
			redirectURL = redirectURLFor(r)
		}

		ctx := r.Context()
		token, err := o.Exchange(ctx, r.URL.Query().Get("code"), redirectURL)
		if err != nil {
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		email, err := o.FetchEmail(ctx, token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to resolve account email: %v", err), http.StatusInternalServerError)
			return
		}

		projectID, paidTier, err := client.LoadCodeAssist(ctx, token.AccessToken)
		if err != nil {
			// Enrollment still succeeds; the project can be patched later.
			log.Printf("⚠️ loadCodeAssist failed for %s: %v", email, err)
		}

		account := &models.Account{
			Email:        email,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.Expiry,
			ProjectID:    projectID,
			IsActive:     true,
			PaidTier:     paidTier,
			LastUsedAt:   time.Now(),
		}
		if err := store.UpsertAccount(account); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save account: %v", err), http.StatusInternalServerError)
			return
		}
		if onEnrolled != nil {
			onEnrolled()
		}

		log.Printf("✅ Enrolled identity %s (project=%s, paidTier=%v)", email, projectID, paidTier)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"enrolled","email":%q,"project_id":%q}`, email, projectID)
	}
}
