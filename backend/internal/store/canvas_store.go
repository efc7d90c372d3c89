package store

import (
	"context"
	"database/sql"
)

type CanvasStore struct{ db *sql.DB }

func NewCanvasStore(db *sql.DB) *CanvasStore {
	return &CanvasStore{db: db}
}

func (s *CanvasStore) GetCanvasID(ctx context.Context, title string) (string, error) {
	var canvasID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM canvases WHERE title = ?`,
		title,
	).Scan(&canvasID)
	// sql.ErrNoRows
	return canvasID, err
}

func (s *CanvasStore) CreateCanvas(ctx context.Context, ownerID uint64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canvases (owner_id, title) VALUES (?, ?)`,
		ownerID,
		title,
	)
	if err != nil {
		return err
	}
	return nil
}
