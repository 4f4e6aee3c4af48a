package db

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/util"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an email has no row.
var ErrAccountNotFound = errors.New("account not found")

// Store is the persistence layer consumed by the rotation engine and the
// admin API. OAuth tokens are sealed before they touch disk.
type Store struct {
	db          *gorm.DB
	box         *cipherBox
	logMaxChars int
}

// NewStore wraps an opened database. encryptionKey may be empty, in which
// case tokens are persisted in plaintext.
func NewStore(db *gorm.DB, encryptionKey string, logMaxChars int) *Store {
	if encryptionKey == "" {
		log.Printf("⚠️ ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext")
	}
	if logMaxChars <= 0 {
		logMaxChars = 2000
	}
	return &Store{
		db:          db,
		box:         newCipherBox(encryptionKey),
		logMaxChars: logMaxChars,
	}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// GetActiveAccounts returns active identities in LRU order (ascending
// lastUsedAt) with tokens decrypted. Rows that fail to decrypt are skipped
// so one bad row cannot take down the pool.
func (s *Store) GetActiveAccounts() ([]models.Account, error) {
	var rows []models.Account
	if err := s.db.Where("is_active = ?", true).Order("last_used_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(rows))
	for _, row := range rows {
		if err := s.openTokens(&row); err != nil {
			log.Printf("❌ Failed to decrypt tokens for %s: %v", row.Email, err)
			continue
		}
		accounts = append(accounts, row)
	}
	return accounts, nil
}

// GetAccount returns a single identity with tokens decrypted.
func (s *Store) GetAccount(email string) (*models.Account, error) {
	var row models.Account
	if err := s.db.First(&row, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if err := s.openTokens(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListAccounts returns every identity with token columns blanked. Intended
// for admin listings, which must never carry credentials.
func (s *Store) ListAccounts() ([]models.Account, error) {
	var rows []models.Account
	if err := s.db.Order("email asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].AccessToken = ""
		rows[i].RefreshToken = ""
	}
	return rows, nil
}

// UpsertAccount creates or replaces an identity row keyed by email.
// Used by OAuth enrollment and credential import.
func (s *Store) UpsertAccount(acc *models.Account) error {
	sealed := *acc
	if err := s.sealTokens(&sealed); err != nil {
		return err
	}

	var existing models.Account
	err := s.db.Select("email").First(&existing, "email = ?", acc.Email).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(&sealed).Error
	case err != nil:
		return err
	default:
		return s.db.Model(&models.Account{}).Where("email = ?", acc.Email).Updates(map[string]interface{}{
			"access_token":  sealed.AccessToken,
			"refresh_token": sealed.RefreshToken,
			"expires_at":    sealed.ExpiresAt,
			"project_id":    sealed.ProjectID,
			"is_active":     sealed.IsActive,
			"paid_tier":     sealed.PaidTier,
		}).Error
	}
}

// UpdateAccount patches the given fields of one identity.
func (s *Store) UpdateAccount(email string, patch models.AccountPatch) error {
	updates := map[string]interface{}{}

	if patch.AccessToken != nil {
		sealed, err := s.box.seal(*patch.AccessToken)
		if err != nil {
			return err
		}
		updates["access_token"] = sealed
	}
	if patch.RefreshToken != nil {
		sealed, err := s.box.seal(*patch.RefreshToken)
		if err != nil {
			return err
		}
		updates["refresh_token"] = sealed
	}
	if patch.ExpiresAt != nil {
		updates["expires_at"] = *patch.ExpiresAt
	}
	if patch.LastUsedAt != nil {
		updates["last_used_at"] = *patch.LastUsedAt
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if patch.ExhaustedAt != nil {
		updates["exhausted_at"] = *patch.ExhaustedAt
	}
	if patch.ProjectID != nil {
		updates["project_id"] = *patch.ProjectID
	}
	if patch.PaidTier != nil {
		updates["paid_tier"] = *patch.PaidTier
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.Model(&models.Account{}).Where("email = ?", email).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TouchAccount stamps lastUsedAt, moving the identity to the back of the
// LRU order.
func (s *Store) TouchAccount(email string, at time.Time) error {
	return s.UpdateAccount(email, models.AccountPatch{LastUsedAt: &at})
}

// IncrementAccountStats atomically adds counters for one identity.
func (s *Store) IncrementAccountStats(email string, delta models.StatsDelta) error {
	updates := map[string]interface{}{
		"total_requests": gorm.Expr("total_requests + ?", delta.Successful+delta.Failed),
	}
	if delta.Successful != 0 {
		updates["successful_requests"] = gorm.Expr("successful_requests + ?", delta.Successful)
	}
	if delta.Failed != 0 {
		updates["failed_requests"] = gorm.Expr("failed_requests + ?", delta.Failed)
	}
	if delta.Tokens != 0 {
		updates["tokens_used"] = gorm.Expr("tokens_used + ?", delta.Tokens)
	}
	return s.db.Model(&models.Account{}).Where("email = ?", email).Updates(updates).Error
}

// MarkAccountExhausted durably flags a quota-exhausted identity so a restart
// does not lose the state. The background reactivator undoes it after the
// exhaustion cooldown.
func (s *Store) MarkAccountExhausted(email string, at time.Time) error {
	return s.db.Model(&models.Account{}).Where("email = ?", email).Updates(map[string]interface{}{
		"is_active":    false,
		"exhausted_at": at,
	}).Error
}

// DeactivateAccount disables an identity with no exhaustion timestamp, so
// only manual action brings it back. Used for auth and billing failures.
func (s *Store) DeactivateAccount(email string) error {
	res := s.db.Model(&models.Account{}).Where("email = ?", email).Updates(map[string]interface{}{
		"is_active":    false,
		"exhausted_at": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ActivateAccount flips an identity back on and clears any exhaustion.
func (s *Store) ActivateAccount(email string) error {
	res := s.db.Model(&models.Account{}).Where("email = ?", email).Updates(map[string]interface{}{
		"is_active":    true,
		"exhausted_at": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes an identity permanently.
func (s *Store) DeleteAccount(email string) error {
	res := s.db.Delete(&models.Account{}, "email = ?", email)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ReactivateExhaustedAccounts flips active=true and clears exhaustedAt for
// identities whose exhaustion is older than the cooldown. Returns the number
// of rows touched.
func (s *Store) ReactivateExhaustedAccounts(cooldown time.Duration) (int64, error) {
	cutoff := time.Now().Add(-cooldown)
	res := s.db.Model(&models.Account{}).
		Where("exhausted_at IS NOT NULL AND exhausted_at <= ?", cutoff).
		Updates(map[string]interface{}{
			"is_active":    true,
			"exhausted_at": nil,
		})
	return res.RowsAffected, res.Error
}

// AddRequestLog persists an audit record. Best-effort: secrets are scrubbed,
// text is truncated, and failures are logged but never returned.
func (s *Store) AddRequestLog(entry models.RequestLog, secrets ...string) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	entry.Prompt = s.scrub(entry.Prompt, secrets)
	entry.Response = s.scrub(entry.Response, secrets)
	entry.SystemInstruction = s.scrub(entry.SystemInstruction, secrets)
	entry.Error = s.scrub(entry.Error, secrets)

	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("⚠️ Failed to save request log: %v", err)
	}
}

// GetRequestLogs returns recent audit records, newest first.
func (s *Store) GetRequestLogs(limit int) ([]models.RequestLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []models.RequestLog
	err := s.db.Order("timestamp desc").Limit(limit).Find(&logs).Error
	return logs, err
}

// GetRequestStats aggregates the audit table.
func (s *Store) GetRequestStats() (models.RequestStats, error) {
	var stats models.RequestStats
	if err := s.db.Model(&models.RequestLog{}).Count(&stats.TotalRequests).Error; err != nil {
		return stats, err
	}
	s.db.Model(&models.RequestLog{}).Where("success = ?", true).Count(&stats.SuccessCount)
	stats.ErrorCount = stats.TotalRequests - stats.SuccessCount
	s.db.Model(&models.RequestLog{}).Select("COALESCE(SUM(total_tokens), 0)").Scan(&stats.TotalTokens)
	return stats, nil
}

// CreateAPIKey issues a new sk- credential. The plaintext key is returned
// exactly once; only its digest is stored.
func (s *Store) CreateAPIKey(name string) (string, *models.APIKey, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, err
	}
	plain := "sk-" + hex.EncodeToString(keyBytes)

	key := &models.APIKey{
		ID:       uuid.New().String(),
		Name:     name,
		Digest:   digestAPIKey(plain),
		Prefix:   plain[:7],
		IsActive: true,
	}
	if err := s.db.Create(key).Error; err != nil {
		return "", nil, err
	}
	log.Printf("🔑 Generated new API key %s (%s...)", key.ID, key.Prefix)
	return plain, key, nil
}

// ValidateAPIKey checks a presented credential against stored digests.
func (s *Store) ValidateAPIKey(plain string) bool {
	if plain == "" {
		return false
	}
	var key models.APIKey
	err := s.db.Where("digest = ? AND is_active = ?", digestAPIKey(plain), true).First(&key).Error
	if err != nil {
		return false
	}

	now := time.Now()
	if err := s.db.Model(&models.APIKey{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
		"total_requests": gorm.Expr("total_requests + 1"),
		"last_used_at":   now,
	}).Error; err != nil {
		log.Printf("⚠️ Failed to bump API key counters: %v", err)
	}
	return true
}

// ListAPIKeys returns all credentials (digest omitted by the model's JSON tags).
func (s *Store) ListAPIKeys() ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.Order("created_at asc").Find(&keys).Error
	return keys, err
}

// RevokeAPIKey disables a credential without deleting its usage history.
func (s *Store) RevokeAPIKey(id string) error {
	res := s.db.Model(&models.APIKey{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("api key %s not found", id)
	}
	return nil
}

// DeleteAPIKey removes a credential permanently.
func (s *Store) DeleteAPIKey(id string) error {
	res := s.db.Delete(&models.APIKey{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("api key %s not found", id)
	}
	return nil
}

// GetSetting reads one operational value; empty string when absent.
func (s *Store) GetSetting(key string) string {
	var row models.Setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return ""
	}
	return row.Value
}

// SetSetting writes one operational value.
func (s *Store) SetSetting(key, value string) error {
	var row models.Setting
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&models.Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&models.Setting{}).Where("key = ?", key).Update("value", value).Error
}

func (s *Store) sealTokens(acc *models.Account) error {
	sealed, err := s.box.seal(acc.AccessToken)
	if err != nil {
		return err
	}
	acc.AccessToken = sealed

	sealed, err = s.box.seal(acc.RefreshToken)
	if err != nil {
		return err
	}
	acc.RefreshToken = sealed
	return nil
}

func (s *Store) openTokens(acc *models.Account) error {
	opened, err := s.box.open(acc.AccessToken)
	if err != nil {
		return err
	}
	acc.AccessToken = opened

	opened, err = s.box.open(acc.RefreshToken)
	if err != nil {
		return err
	}
	acc.RefreshToken = opened
	return nil
}

func (s *Store) scrub(text string, secrets []string) string {
	if text == "" {
		return ""
	}
	return util.TruncateLog(util.RedactSecrets(text, secrets...), s.logMaxChars)
}

func digestAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
