package realtime

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// UpdateRecord is one appended entity update.
type UpdateRecord struct {
	EntityType   string
	EntityID     string
	UpdateData   json.RawMessage
	ConnectionID string
	Timestamp    time.Time
}

// UpdateLog is the durable side channel for entity updates. Appends never gate the relay.
type UpdateLog interface {
	Append(ctx context.Context, rec UpdateRecord) error
}

type EntityUpdateRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType string    `gorm:"type:varchar(128);index:idx_entity_updates_entity,priority:1;not null" json:"entity_type"`
	EntityID   string    `gorm:"type:varchar(128);index:idx_entity_updates_entity,priority:2;not null" json:"entity_id"`
	UpdateData string    `gorm:"type:text" json:"update_data"`
	SocketID   string    `gorm:"type:varchar(64);index;not null" json:"socket_id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (EntityUpdateRow) TableName() string { return "entity_updates" }

type GormUpdateLog struct {
	db *gorm.DB
}

func NewGormUpdateLog(db *gorm.DB) *GormUpdateLog {
	return &GormUpdateLog{db: db}
}

func (l *GormUpdateLog) Migrate() error {
	return l.db.AutoMigrate(&EntityUpdateRow{})
}

func (l *GormUpdateLog) Append(ctx context.Context, rec UpdateRecord) error {
	data := "null"
	if len(rec.UpdateData) > 0 {
		data = string(rec.UpdateData)
	}
	return l.db.WithContext(ctx).Create(&EntityUpdateRow{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		UpdateData: data,
		SocketID:   rec.ConnectionID,
		CreatedAt:  rec.Timestamp,
	}).Error
}

// ListByEntity returns the entity's updates newest first.
func (l *GormUpdateLog) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]EntityUpdateRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []EntityUpdateRow
	err := l.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
