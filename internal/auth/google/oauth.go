// Package google implements identity enrollment: the OAuth
// authorization-code flow, userinfo lookup, and token refresh against
// Google's OAuth endpoints.
package google

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// Default credentials of the Gemini CLI installed app. Overridable via
// configuration for self-registered OAuth clients.
const (
	DefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes required to call the Code-Assist API and read the account email.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuth wraps the oauth2 config for enrollment and refresh.
type OAuth struct {
	clientID     string
	clientSecret string
}

// NewOAuth builds the flow helper; empty credentials fall back to the
// Gemini CLI defaults.
func NewOAuth(clientID, clientSecret string) *OAuth {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}
	return &OAuth{clientID: clientID, clientSecret: clientSecret}
}

// Config returns an oauth2.Config bound to the given redirect URL.
func (o *OAuth) Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     o.clientID,
		ClientSecret: o.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     googleoauth.Endpoint,
	}
}

// Refresh exchanges a refresh token for a fresh access token. The returned
// token may carry a rotated refresh token; callers must persist it when
// present.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := o.Config("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}

// Exchange trades an authorization code for tokens.
func (o *OAuth) Exchange(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	token, err := o.Config(redirectURL).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}

// FetchEmail reads the enrolled account's email from the userinfo endpoint.
func (o *OAuth) FetchEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := o.Config("").Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response carried no email")
	}
	return info.Email, nil
}
