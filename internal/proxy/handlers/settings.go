package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pysugar/nexus-scheduler/internal/db"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SchedulingSettings layers the operator's runtime override on top of the
// scheduling section of the config file. The override is persisted so it
// survives restarts and file reloads.
type SchedulingSettings struct {
	db    *gorm.DB
	sched *scheduler.Scheduler

	mu       sync.Mutex
	base     scheduler.Config
	override scheduler.Override
}

// NewSchedulingSettings loads the persisted override and applies it over base.
func NewSchedulingSettings(ctx context.Context, database *gorm.DB, sched *scheduler.Scheduler, base scheduler.Config) (*SchedulingSettings, error) {
	s := &SchedulingSettings{db: database, sched: sched, base: base}
	found, err := db.LoadSchedulingOverride(ctx, database, &s.override)
	if err != nil {
		return nil, fmt.Errorf("load scheduling override: %w", err)
	}
	if found {
		log.Printf("⚙️ Applying persisted scheduling override")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked(); err != nil {
		log.Warnf("⚠️ Ignoring invalid scheduling override: %v", err)
		s.override = scheduler.Override{}
		return s, s.applyLocked()
	}
	return s, nil
}

// SetBase replaces the file-level config, e.g. after a reload.
func (s *SchedulingSettings) SetBase(base scheduler.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = base
	return s.applyLocked()
}

func (s *SchedulingSettings) applyLocked() error {
	cfg, err := s.override.Apply(s.base)
	if err != nil {
		return err
	}
	s.sched.SetConfig(cfg)
	return nil
}

// update merges patch into the override, applies and persists it.
func (s *SchedulingSettings) update(ctx context.Context, patch scheduler.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.override.Merge(patch)
	cfg, err := next.Apply(s.base)
	if err != nil {
		return err
	}
	if err := db.SaveSchedulingOverride(ctx, s.db, next); err != nil {
		return fmt.Errorf("save scheduling override: %w", err)
	}
	s.override = next
	s.sched.SetConfig(cfg)
	return nil
}

func (s *SchedulingSettings) reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := db.SaveSchedulingOverride(ctx, s.db, scheduler.Override{}); err != nil {
		return fmt.Errorf("save scheduling override: %w", err)
	}
	s.override = scheduler.Override{}
	return s.applyLocked()
}

func (s *SchedulingSettings) view() map[string]interface{} {
	s.mu.Lock()
	override := s.override
	s.mu.Unlock()
	return map[string]interface{}{
		"active":   s.sched.Config().View(),
		"override": override,
	}
}

// GetHandler returns the active scheduling config and the override.
func (s *SchedulingSettings) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.view())
	}
}

// UpdateHandler merges a partial override into the active config.
func (s *SchedulingSettings) UpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch scheduler.Override
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
			return
		}
		if err := s.update(r.Context(), patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.view())
	}
}

// ResetHandler drops the override and falls back to the config file.
func (s *SchedulingSettings) ResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.reset(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.view())
	}
}
