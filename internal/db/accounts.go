package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/db/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository persists scheduler accounts in the accounts table.
type AccountRepository struct {
	db *gorm.DB
}

var (
	_ account.Loader    = (*AccountRepository)(nil)
	_ account.Persister = (*AccountRepository)(nil)
)

// NewAccountRepository wraps db.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// LoadAccounts implements account.Loader. Rows that cannot be decoded are
// logged and skipped.
func (r *AccountRepository) LoadAccounts(ctx context.Context) ([]account.Account, error) {
	var rows []models.Account
	if err := r.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}

	out := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		acc, err := fromModel(row)
		if err != nil {
			log.WithField("account_id", row.ID).Errorf("❌ Skipping unreadable account %s: %v", row.Email, err)
			continue
		}
		out = append(out, acc)
	}
	return out, nil
}

// upsertColumns are the columns the scheduler owns. metadata belongs to the
// linking flow and created_at is fixed at insert, so an upsert leaves both
// untouched.
var upsertColumns = []string{
	"email", "provider",
	"access_token", "refresh_token", "expires_in", "expires_at", "project_id",
	"quota", "protected_models",
	"disabled", "disabled_reason", "disabled_at", "proxy_disabled",
	"last_used_at", "updated_at",
}

// SaveAccount implements account.Persister as an upsert.
func (r *AccountRepository) SaveAccount(ctx context.Context, acc account.Account) error {
	row, err := toModel(acc)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&row).Error
}

// DeleteAccount implements account.Persister.
func (r *AccountRepository) DeleteAccount(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Account{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	return nil
}

func toModel(acc account.Account) (models.Account, error) {
	row := models.Account{
		ID:             acc.ID,
		Email:          acc.Email,
		Provider:       "google",
		AccessToken:    acc.Token.AccessToken,
		RefreshToken:   acc.Token.RefreshToken,
		ExpiresIn:      acc.Token.ExpiresIn,
		ExpiresAt:      acc.Token.ExpiresAt,
		ProjectID:      acc.Token.ProjectID,
		Disabled:       acc.Disabled,
		DisabledReason: acc.DisabledReason,
		ProxyDisabled:  acc.ProxyDisabled,
		CreatedAt:      acc.CreatedAt,
		DisabledAt:     optionalTime(acc.DisabledAt),
		LastUsedAt:     optionalTime(acc.LastUsed),
	}
	if acc.Quota != nil {
		raw, err := json.Marshal(acc.Quota)
		if err != nil {
			return models.Account{}, fmt.Errorf("encode quota: %w", err)
		}
		row.Quota = string(raw)
	}
	protected := acc.ProtectedModels
	if protected == nil {
		protected = []string{}
	}
	raw, err := json.Marshal(protected)
	if err != nil {
		return models.Account{}, fmt.Errorf("encode protected models: %w", err)
	}
	row.ProtectedModels = string(raw)
	return row, nil
}

func fromModel(row models.Account) (account.Account, error) {
	acc := account.Account{
		ID:    row.ID,
		Email: row.Email,
		Token: account.TokenData{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			ExpiresIn:    row.ExpiresIn,
			ExpiresAt:    row.ExpiresAt,
			ProjectID:    row.ProjectID,
		},
		Disabled:       row.Disabled,
		DisabledReason: row.DisabledReason,
		ProxyDisabled:  row.ProxyDisabled,
		CreatedAt:      row.CreatedAt,
	}
	if acc.Token.ProjectID == "" {
		acc.Token.ProjectID = extractProjectID(row.Metadata)
	}
	if row.DisabledAt != nil {
		acc.DisabledAt = *row.DisabledAt
	}
	if row.LastUsedAt != nil {
		acc.LastUsed = *row.LastUsedAt
	}
	if row.Quota != "" {
		var q account.QuotaData
		if err := json.Unmarshal([]byte(row.Quota), &q); err != nil {
			return account.Account{}, fmt.Errorf("decode quota: %w", err)
		}
		acc.Quota = &q
	}
	if row.ProtectedModels != "" {
		if err := json.Unmarshal([]byte(row.ProtectedModels), &acc.ProtectedModels); err != nil {
			return account.Account{}, fmt.Errorf("decode protected models: %w", err)
		}
	}
	return acc, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// extractProjectID reads project_id from the metadata blob written by the
// account linking flow.
func extractProjectID(metadata string) string {
	if metadata == "" {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		return ""
	}
	if pid, ok := meta["project_id"].(string); ok {
		return pid
	}
	return ""
}
