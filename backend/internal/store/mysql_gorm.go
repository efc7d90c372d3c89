package store

import (
	"context"
	"errors"
	"time"

	gmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var mysqlDB *gorm.DB

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	mysqlDB = db
	return db, nil
}

// 画布元数据（gorm 模型）
type CanvasRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID   uint64 `gorm:"index"`
	Title     string `gorm:"type:varchar(255);index"`
	Archived  bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CanvasRecord) TableName() string { return "canvases" }

type GormCanvasRepo struct {
	db *gorm.DB
}

func NewGormCanvasRepo(db *gorm.DB) *GormCanvasRepo {
	return &GormCanvasRepo{db: db}
}

func (r *GormCanvasRepo) GetCanvas(ctx context.Context, canvasID string) (*CanvasRecord, error) {
	var rec CanvasRecord
	err := r.db.WithContext(ctx).Where("id = ?", canvasID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *GormCanvasRepo) ListCanvasesByOwner(ctx context.Context, ownerID uint64) ([]CanvasRecord, error) {
	var recs []CanvasRecord
	err := r.db.WithContext(ctx).Where("owner_id = ? AND archived = ?", ownerID, false).
		Order("updated_at DESC").Find(&recs).Error
	return recs, err
}
