package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Config{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestAccountRepository_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	expiry := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	acc := account.Account{
		ID:    "acc-1",
		Email: "user@example.com",
		Token: account.TokenData{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresIn:    3600,
			ExpiresAt:    expiry,
			ProjectID:    "proj-1",
		},
		Quota: &account.QuotaData{
			SubscriptionTier: account.TierUltra,
			Models:           []account.ModelQuota{{Name: "gemini-pro", Percentage: 42}},
		},
		ProtectedModels: []string{"claude"},
		CreatedAt:       expiry.Add(-time.Hour),
	}
	if err := repo.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("save: %v", err)
	}

	acc.Disabled = true
	acc.DisabledReason = "invalid_grant"
	acc.LastUsed = expiry
	if err := repo.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	loaded, err := repo.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 account, got %d", len(loaded))
	}
	got := loaded[0]
	if !got.Disabled || got.DisabledReason != "invalid_grant" {
		t.Errorf("disabled state not persisted: %+v", got)
	}
	if got.Tier() != account.TierUltra || got.Quota.Models[0].Percentage != 42 {
		t.Errorf("quota not persisted: %+v", got.Quota)
	}
	if !got.IsModelProtected("claude") {
		t.Errorf("protected models not persisted: %v", got.ProtectedModels)
	}
	if !got.Token.ExpiresAt.Equal(expiry) || got.Token.ProjectID != "proj-1" {
		t.Errorf("token not persisted: %+v", got.Token)
	}
	if !got.LastUsed.Equal(expiry) {
		t.Errorf("last_used = %v, want %v", got.LastUsed, expiry)
	}
}

func TestAccountRepository_SkipsCorruptRows(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	if err := db.Create(&models.Account{ID: "bad", Email: "bad@example.com", Quota: "{not json"}).Error; err != nil {
		t.Fatalf("create bad row: %v", err)
	}
	if err := repo.SaveAccount(ctx, account.Account{ID: "good", Email: "good@example.com"}); err != nil {
		t.Fatalf("save good: %v", err)
	}

	loaded, err := repo.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Fatalf("expected only the good account, got %+v", loaded)
	}

	pool := account.NewPool(repo)
	if _, err := pool.Load(ctx, repo); err != nil {
		t.Fatalf("pool load: %v", err)
	}
	if pool.Len() != 1 {
		t.Fatalf("pool has %d accounts, want 1", pool.Len())
	}
}

func TestAccountRepository_ProjectIDFromMetadata(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(&models.Account{ID: "legacy", Email: "legacy@example.com", Metadata: `{"project_id":"p-9"}`}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := NewAccountRepository(db).LoadAccounts(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded[0].Token.ProjectID != "p-9" {
		t.Errorf("project id = %q, want p-9", loaded[0].Token.ProjectID)
	}
}

func TestAccountRepository_SaveKeepsMetadata(t *testing.T) {
	db := newTestDB(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := `{"project_id":"p-9","picture":"https://example.com/a.png"}`
	if err := db.Create(&models.Account{ID: "legacy", Email: "legacy@example.com", Metadata: meta, CreatedAt: created}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	repo := NewAccountRepository(db)
	ctx := context.Background()
	loaded, err := repo.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	acc := loaded[0]
	acc.Disabled = true
	acc.DisabledReason = "invalid_grant"
	acc.CreatedAt = time.Time{}
	if err := repo.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("save: %v", err)
	}

	var row models.Account
	if err := db.First(&row, "id = ?", "legacy").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Metadata != meta {
		t.Errorf("metadata = %q, want %q", row.Metadata, meta)
	}
	if !row.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", row.CreatedAt, created)
	}
	if !row.Disabled || row.DisabledReason != "invalid_grant" {
		t.Errorf("disabled state not saved: %+v", row)
	}
	if row.ProjectID != "p-9" {
		t.Errorf("project id = %q, want p-9", row.ProjectID)
	}
}

func TestAccountRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	if err := repo.SaveAccount(ctx, account.Account{ID: "gone", Email: "gone@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.DeleteAccount(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteAccount(ctx, "gone"); err == nil {
		t.Fatal("expected not found on second delete")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	db := newTestDB(t)
	if err := ensureAPIKey(db); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	first := GetAPIKey(db)
	if len(first) != 35 {
		t.Fatalf("unexpected key %q", first)
	}
	if err := ensureAPIKey(db); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if GetAPIKey(db) != first {
		t.Fatal("ensureAPIKey must not replace an existing key")
	}
	if next := RegenerateAPIKey(db); next == first || GetAPIKey(db) != next {
		t.Fatal("regenerate did not rotate the key")
	}
}

func TestSettingRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	type section struct {
		Mode string `json:"mode"`
	}
	var got section
	found, err := LoadSchedulingOverride(ctx, db, &got)
	if err != nil || found {
		t.Fatalf("expected no override, got found=%v err=%v", found, err)
	}
	if err := SaveSchedulingOverride(ctx, db, section{Mode: "balance"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SaveSchedulingOverride(ctx, db, section{Mode: "performance_first"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	found, err = LoadSchedulingOverride(ctx, db, &got)
	if err != nil || !found || got.Mode != "performance_first" {
		t.Fatalf("got %+v found=%v err=%v", got, found, err)
	}
}
