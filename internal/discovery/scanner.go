package discovery

import (
	"log"
	"path/filepath"
)

// ScanResult holds everything found across all sources.
type ScanResult struct {
	Credentials []Credential `json:"credentials"`
	Errors      []ScanError  `json:"errors,omitempty"`
}

// ScanError is one failed parse attempt.
type ScanError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ScanAll walks every known source.
func ScanAll() *ScanResult {
	result := &ScanResult{
		Credentials: make([]Credential, 0),
		Errors:      make([]ScanError, 0),
	}
	for _, source := range Sources {
		creds, errs := scanSource(source)
		result.Credentials = append(result.Credentials, creds...)
		result.Errors = append(result.Errors, errs...)
	}
	log.Printf("🔍 Discovery found %d credential(s)", len(result.Credentials))
	return result
}

func scanSource(source Source) ([]Credential, []ScanError) {
	var credentials []Credential
	var errors []ScanError

	for _, pathPattern := range source.ConfigPaths {
		matches, err := filepath.Glob(expandPath(pathPattern))
		if err != nil {
			errors = append(errors, ScanError{Source: source.Name, Path: pathPattern, Error: err.Error()})
			continue
		}
		for _, path := range matches {
			cred, err := source.Parser(path)
			if err != nil {
				errors = append(errors, ScanError{Source: source.Name, Path: path, Error: err.Error()})
				continue
			}
			if cred != nil && cred.RefreshToken != "" {
				credentials = append(credentials, *cred)
			}
		}
	}
	return credentials, errors
}

// MaskToken shortens a token for display.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Masked returns a display copy of the credential with tokens masked.
func Masked(cred Credential) Credential {
	masked := cred
	masked.AccessToken = MaskToken(cred.AccessToken)
	masked.RefreshToken = MaskToken(cred.RefreshToken)
	return masked
}
