package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"gorm.io/gorm"
)

type RoundRecordRepository struct {
	db *gorm.DB
}

func NewRoundRecordRepository(db *gorm.DB) ports.RoundRecordRepository {
	return &RoundRecordRepository{
		db: db,
	}
}

func (r *RoundRecordRepository) Create(ctx context.Context, record *models.RoundRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *RoundRecordRepository) GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.RoundRecord, error) {
	var records []*models.RoundRecord
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("round ASC").Find(&records).Error
	return records, err
}

func (r *RoundRecordRepository) GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error) {
	var record models.RoundRecord
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("round DESC").First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *RoundRecordRepository) DeleteByRun(ctx context.Context, runID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&models.RoundRecord{}).Error
}
