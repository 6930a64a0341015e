package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/nexus-scheduler/internal/db/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	apiKeyConfigKey     = "api_key"
	schedulingConfigKey = "scheduling"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string, verbose bool) (*gorm.DB, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent account updates.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&models.Account{}, &models.Config{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := ensureAPIKey(db); err != nil {
		return nil, err
	}
	return db, nil
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

// ensureAPIKey generates the dispatcher API key on first run.
func ensureAPIKey(db *gorm.DB) error {
	var cfg models.Config
	err := db.Where("key = ?", apiKeyConfigKey).First(&cfg).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("read api key: %w", err)
	}
	apiKey := newAPIKey()
	if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	log.Printf("🔑 Generated new API key: %s...", apiKey[:7])
	return nil
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(db *gorm.DB) string {
	var cfg models.Config
	db.Where("key = ?", apiKeyConfigKey).First(&cfg)
	return cfg.Value
}

// RegenerateAPIKey creates a new API key
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	db.Model(&models.Config{}).Where("key = ?", apiKeyConfigKey).Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s...", apiKey[:7])
	return apiKey
}

// SaveSetting stores v as JSON under key.
func SaveSetting(ctx context.Context, db *gorm.DB, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	cfg := models.Config{Key: key, Value: string(raw), UpdatedAt: time.Now()}
	return db.WithContext(ctx).Save(&cfg).Error
}

// LoadSetting decodes the JSON stored under key into v. It reports false when
// the key has never been saved.
func LoadSetting(ctx context.Context, db *gorm.DB, key string, v any) (bool, error) {
	var cfg models.Config
	err := db.WithContext(ctx).Where("key = ?", key).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(cfg.Value), v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// SaveSchedulingOverride persists operator changes to the scheduling section.
func SaveSchedulingOverride(ctx context.Context, db *gorm.DB, v any) error {
	return SaveSetting(ctx, db, schedulingConfigKey, v)
}

// LoadSchedulingOverride reads the persisted scheduling section, if any.
func LoadSchedulingOverride(ctx context.Context, db *gorm.DB, v any) (bool, error) {
	return LoadSetting(ctx, db, schedulingConfigKey, v)
}
