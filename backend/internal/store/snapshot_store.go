package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveCanvasSnapshot：整画布的实体 JSON 快照入库。
// 同一画布重复快照（唯一键冲突 1062）按已保存处理。
func (s *SnapshotStore) SaveCanvasSnapshot(ctx context.Context, canvasID string, entityCount int, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canvas_snapshots (canvas_id, entity_count, content)
		VALUES (?, ?, ?)`,
		canvasID,
		entityCount,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
