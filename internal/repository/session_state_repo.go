package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStateRepositoryImpl persists per-session state snapshots.
type SessionStateRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionStateRepository creates a new session state repository
func NewSessionStateRepository(db *gorm.DB) *SessionStateRepositoryImpl {
	return &SessionStateRepositoryImpl{db: db}
}

// Load fetches the stored snapshot for a session. Returns (nil, nil) when
// the session has never been persisted.
func (r *SessionStateRepositoryImpl) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var state models.SessionState

	err := r.db.WithContext(ctx).
		First(&state, "session_id = ?", sessionID).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}

	return &state, nil
}

// Save upserts the snapshot for a session, overwriting any previous row.
func (r *SessionStateRepositoryImpl) Save(ctx context.Context, state *models.SessionState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "last_updated_by", "updated_at"}),
		}).
		Create(state).Error

	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}

	return nil
}
