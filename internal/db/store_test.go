package db

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/util"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.APIKey{}, &models.RequestLog{}, &models.Setting{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(db, "test-passphrase", 200)
}

func seedAccount(t *testing.T, s *Store, email string, lastUsed time.Time) {
	t.Helper()
	acc := &models.Account{
		Email:        email,
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    time.Now().Add(time.Hour),
		ProjectID:    "proj-" + email,
		IsActive:     true,
	}
	if err := s.UpsertAccount(acc); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	if err := s.TouchAccount(email, lastUsed); err != nil {
		t.Fatalf("touch %s: %v", email, err)
	}
}

func TestGetActiveAccountsLRUOrder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	seedAccount(t, s, "b@example.com", now.Add(-1*time.Minute))
	seedAccount(t, s, "a@example.com", now.Add(-10*time.Minute))
	seedAccount(t, s, "c@example.com", now)

	accounts, err := s.GetActiveAccounts()
	if err != nil {
		t.Fatalf("GetActiveAccounts: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	for i, email := range want {
		if accounts[i].Email != email {
			t.Errorf("position %d = %s, want %s (LRU order)", i, accounts[i].Email, email)
		}
	}
	// Tokens come back decrypted.
	if accounts[0].AccessToken != "access-a@example.com" {
		t.Errorf("access token not decrypted: %q", accounts[0].AccessToken)
	}
}

func TestGetActiveAccountsExcludesInactive(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "on@example.com", time.Now())
	seedAccount(t, s, "off@example.com", time.Now())
	if err := s.DeactivateAccount("off@example.com"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	accounts, err := s.GetActiveAccounts()
	if err != nil {
		t.Fatalf("GetActiveAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Email != "on@example.com" {
		t.Fatalf("expected only the active account, got %+v", accounts)
	}
}

func TestTokensSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "sealed@example.com", time.Now())

	var raw models.Account
	if err := s.DB().First(&raw, "email = ?", "sealed@example.com").Error; err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if !strings.HasPrefix(raw.AccessToken, encPrefix) {
		t.Errorf("access token stored without seal: %q", raw.AccessToken)
	}
	if strings.Contains(raw.AccessToken, "access-sealed") {
		t.Error("access token stored in plaintext")
	}
	if !strings.HasPrefix(raw.RefreshToken, encPrefix) {
		t.Errorf("refresh token stored without seal: %q", raw.RefreshToken)
	}
}

func TestUpdateAccountPatch(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "patch@example.com", time.Now())

	newAccess := "new-access-token-value"
	newExpiry := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	err := s.UpdateAccount("patch@example.com", models.AccountPatch{
		AccessToken: &newAccess,
		ExpiresAt:   &newExpiry,
	})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	acc, err := s.GetAccount("patch@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.AccessToken != newAccess {
		t.Errorf("AccessToken = %q, want %q", acc.AccessToken, newAccess)
	}
	if !acc.ExpiresAt.Equal(newExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", acc.ExpiresAt, newExpiry)
	}
	// Untouched field survives.
	if acc.RefreshToken != "refresh-patch@example.com" {
		t.Errorf("RefreshToken changed unexpectedly: %q", acc.RefreshToken)
	}

	if err := s.UpdateAccount("ghost@example.com", models.AccountPatch{AccessToken: &newAccess}); err != ErrAccountNotFound {
		t.Errorf("UpdateAccount(ghost) = %v, want ErrAccountNotFound", err)
	}
}

func TestIncrementAccountStats(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "stats@example.com", time.Now())

	if err := s.IncrementAccountStats("stats@example.com", models.StatsDelta{Successful: 1, Tokens: 42}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementAccountStats("stats@example.com", models.StatsDelta{Failed: 1}); err != nil {
		t.Fatalf("increment: %v", err)
	}

	acc, err := s.GetAccount("stats@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.TotalRequests != 2 || acc.SuccessfulRequests != 1 || acc.FailedRequests != 1 || acc.TokensUsed != 42 {
		t.Errorf("counters = total:%d ok:%d fail:%d tokens:%d, want 2/1/1/42",
			acc.TotalRequests, acc.SuccessfulRequests, acc.FailedRequests, acc.TokensUsed)
	}
}

func TestReactivateExhaustedAccounts(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "old@example.com", time.Now())
	seedAccount(t, s, "recent@example.com", time.Now())

	if err := s.MarkAccountExhausted("old@example.com", time.Now().Add(-90*time.Minute)); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	if err := s.MarkAccountExhausted("recent@example.com", time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("mark recent: %v", err)
	}

	count, err := s.ReactivateExhaustedAccounts(60 * time.Minute)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if count != 1 {
		t.Fatalf("reactivated %d accounts, want 1", count)
	}

	old, _ := s.GetAccount("old@example.com")
	if !old.IsActive || old.ExhaustedAt != nil {
		t.Errorf("old account not reactivated: active=%v exhaustedAt=%v", old.IsActive, old.ExhaustedAt)
	}
	recent, _ := s.GetAccount("recent@example.com")
	if recent.IsActive || recent.ExhaustedAt == nil {
		t.Errorf("recent account should stay exhausted: active=%v exhaustedAt=%v", recent.IsActive, recent.ExhaustedAt)
	}
}

func TestReactivatorRunOnceSweep(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "sweep@example.com", time.Now())
	if err := s.MarkAccountExhausted("sweep@example.com", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	r := NewReactivator(s, time.Minute, 60*time.Minute)
	if got := r.RunOnce(); got != 1 {
		t.Fatalf("RunOnce = %d, want 1", got)
	}
	acc, _ := s.GetAccount("sweep@example.com")
	if !acc.IsActive {
		t.Error("account still inactive after sweep")
	}
}

func TestAddRequestLogRedactsSecrets(t *testing.T) {
	s := newTestStore(t)
	access := "ya29.secret-access-token-value"
	refresh := "1//secret-refresh-token-value"

	s.AddRequestLog(models.RequestLog{
		AccountEmail: "leak@example.com",
		Model:        "gemini-3-flash",
		Prompt:       "my token is " + access,
		Response:     "echoing " + refresh,
		Success:      true,
	}, access, refresh)

	logs, err := s.GetRequestLogs(10)
	if err != nil {
		t.Fatalf("GetRequestLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if strings.Contains(logs[0].Prompt, access) || strings.Contains(logs[0].Response, refresh) {
		t.Error("request log contains a raw token")
	}
	if !strings.Contains(logs[0].Prompt, util.RedactedPlaceholder) {
		t.Errorf("prompt not redacted: %q", logs[0].Prompt)
	}
}

func TestAddRequestLogTruncates(t *testing.T) {
	s := newTestStore(t)
	long := strings.Repeat("x", 5000)

	s.AddRequestLog(models.RequestLog{Prompt: long, Success: true})

	logs, _ := s.GetRequestLogs(1)
	if len(logs) != 1 {
		t.Fatal("expected 1 log")
	}
	if len(logs[0].Prompt) >= 5000 {
		t.Errorf("prompt not truncated, len=%d", len(logs[0].Prompt))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)

	plain, key, err := s.CreateAPIKey("ci")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(plain, "sk-") {
		t.Fatalf("key %q missing sk- prefix", plain)
	}
	if key.Prefix != plain[:7] {
		t.Errorf("Prefix = %q, want %q", key.Prefix, plain[:7])
	}

	// Digest only at rest.
	var raw models.APIKey
	if err := s.DB().First(&raw, "id = ?", key.ID).Error; err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if raw.Digest == plain || strings.Contains(raw.Digest, plain) {
		t.Error("plaintext key stored")
	}

	if !s.ValidateAPIKey(plain) {
		t.Error("ValidateAPIKey rejected a freshly issued key")
	}
	if s.ValidateAPIKey("sk-0000000000000000000000000000dead") {
		t.Error("ValidateAPIKey accepted an unknown key")
	}

	if err := s.RevokeAPIKey(key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if s.ValidateAPIKey(plain) {
		t.Error("ValidateAPIKey accepted a revoked key")
	}

	keys, err := s.ListAPIKeys()
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %d keys, err %v", len(keys), err)
	}
	if keys[0].TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1 (one successful validation)", keys[0].TotalRequests)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if got := s.GetSetting("admin_password_hash"); got != "" {
		t.Errorf("GetSetting on empty table = %q", got)
	}
	if err := s.SetSetting("admin_password_hash", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("admin_password_hash", "v2"); err != nil {
		t.Fatalf("SetSetting update: %v", err)
	}
	if got := s.GetSetting("admin_password_hash"); got != "v2" {
		t.Errorf("GetSetting = %q, want v2", got)
	}
}

func TestListAccountsBlanksTokens(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "list@example.com", time.Now())

	accounts, err := s.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].AccessToken != "" || accounts[0].RefreshToken != "" {
		t.Error("ListAccounts leaked token columns")
	}
}
