package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PoolConfig bounds the connections the results database may hold. Round
// records are written by one coordinator, so the defaults are small.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var DefaultPoolConfig = PoolConfig{
	MaxOpenConns:    4,
	MaxIdleConns:    2,
	ConnMaxLifetime: 30 * time.Minute,
}

// DBManager owns the connection to the round results database.
type DBManager struct {
	db   *gorm.DB
	pool PoolConfig
	lock sync.RWMutex
}

func NewDBManager() *DBManager {
	return &DBManager{pool: DefaultPoolConfig}
}

func (m *DBManager) SetPoolConfig(pool PoolConfig) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.pool = pool
}

// Connect opens the results database, verifies it answers within ctx and
// migrates the round_records table.
func (m *DBManager) Connect(ctx context.Context, dbURL string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	log := logger.WithComponent("db")

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting SQL DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(m.pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(m.pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(m.pool.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("error reaching database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&models.RoundRecord{}); err != nil {
		sqlDB.Close()
		return fmt.Errorf("error migrating database: %w", err)
	}

	log.Debug().
		Int("max_open_conns", m.pool.MaxOpenConns).
		Int("max_idle_conns", m.pool.MaxIdleConns).
		Msg("Results database ready")

	m.db = db
	return nil
}

func (m *DBManager) GetDB() *gorm.DB {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.db
}

func (m *DBManager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.db == nil {
		return nil
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("error getting SQL DB: %w", err)
	}

	m.db = nil
	return sqlDB.Close()
}

var (
	instance *DBManager
	once     sync.Once
)

// GetDBManager returns the process-wide database manager.
func GetDBManager() *DBManager {
	once.Do(func() {
		instance = NewDBManager()
	})
	return instance
}
