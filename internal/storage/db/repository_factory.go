package db

import (
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"github.com/theblitlabs/parity-fl/internal/database/repositories"
	"gorm.io/gorm"
)

// RepositoryFactory hands out repositories bound to one results database.
type RepositoryFactory struct {
	db *gorm.DB
}

func NewRepositoryFactory(manager *DBManager) *RepositoryFactory {
	return &RepositoryFactory{db: manager.GetDB()}
}

func (f *RepositoryFactory) RoundRecordRepository() ports.RoundRecordRepository {
	return repositories.NewRoundRecordRepository(f.db)
}
