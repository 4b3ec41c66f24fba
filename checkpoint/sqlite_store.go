package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// checkpointRow is the gorm model backing SQLiteStore. One row per session;
// saves upsert in place.
type checkpointRow struct {
	SessionID string    `gorm:"primaryKey;column:session_id"`
	State     []byte    `gorm:"column:state"`
	Node      string    `gorm:"column:node"`
	SavedAt   time.Time `gorm:"column:saved_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// SQLiteStore keeps checkpoints in a local sqlite database (pure-Go
// driver, no cgo). Suitable for single-node deployments that want
// durability plus easy inspection.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// checkpoints table. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	savedAt := cp.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	row := checkpointRow{
		SessionID: cp.SessionID,
		State:     []byte(cp.State),
		Node:      cp.Node,
		SavedAt:   savedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", cp.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", sessionID, err)
	}
	return &Checkpoint{
		SessionID: row.SessionID,
		State:     row.State,
		Node:      row.Node,
		SavedAt:   row.SavedAt,
	}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Delete(&checkpointRow{}, "session_id = ?", sessionID).Error
	if err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&checkpointRow{}).
		Order("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
