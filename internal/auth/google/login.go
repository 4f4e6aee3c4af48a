package google

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// stateToken guards the authorization-code flow against CSRF. One token per
// process is enough for a single-operator gateway.
var stateToken string

func init() {
	b := make([]byte, 16)
	rand.Read(b)
	stateToken = hex.EncodeToString(b)
}

// StateToken returns the process CSRF token.
func StateToken() string { return stateToken }

// redirectURLFor builds the callback URL from the inbound request so the
// gateway works behind any hostname without configuration.
func redirectURLFor(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/google/callback", scheme, r.Host)
}

// HandleLogin redirects the operator to Google's consent page.
func (o *OAuth) HandleLogin(configuredRedirectURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirectURL := configuredRedirectURL
		if redirectURL == "" {
			redirectURL = redirectURLFor(r)
		}

		url := o.Config(redirectURL).AuthCodeURL(stateToken,
			oauth2.AccessTypeOffline,
			oauth2.ApprovalForce,
		)
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}
