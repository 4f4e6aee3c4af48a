// Package discovery scans well-known credential files on the host and
// imports them as pool identities, so identities enrolled with the Gemini
// CLI don't have to run the browser flow again.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credential is one discovered OAuth credential. Tokens are masked before
// any API response carries them.
type Credential struct {
	Source       string    `json:"source"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ProjectID    string    `json:"project_id"`
	ConfigPath   string    `json:"config_path"`
}

// Source is one scannable credential location.
type Source struct {
	Name        string
	ConfigPaths []string
	Parser      func(path string) (*Credential, error)
}

// Sources lists the known Gemini CLI credential locations.
var Sources = []Source{
	{
		Name: "gemini-cli",
		ConfigPaths: []string{
			"~/.gemini/oauth_creds.json",
			"~/.config/gemini-cli/credentials.json",
			"~/.gemini-cli/credentials.json",
		},
		Parser: parseGeminiCLICredentials,
	},
}

// geminiCLICredentials is the oauth_creds.json shape written by the CLI.
type geminiCLICredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"` // unix millis
	Email        string `json:"email"`
	ProjectID    string `json:"project_id"`
}

func parseGeminiCLICredentials(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds geminiCLICredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}

	var expires time.Time
	if creds.ExpiryDate > 0 {
		expires = time.UnixMilli(creds.ExpiryDate)
	}
	return &Credential{
		Source:       "gemini-cli",
		Email:        creds.Email,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    expires,
		ProjectID:    creds.ProjectID,
		ConfigPath:   path,
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
