package storage

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Gopher0727/GhostRoom/config"
	"github.com/Gopher0727/GhostRoom/internal/models"
)

// InitPostgres 初始化 PostgreSQL 连接并迁移 groups 表
func InitPostgres(cfg *config.PostgresConfig, log *zap.Logger) (*gorm.DB, error) {
	dsn := BuildDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Error("连接数据库失败", zap.Error(err))
		return nil, err
	}

	// 连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := Migrate(db); err != nil {
		log.Error("模型迁移失败", zap.Error(err))
		return nil, err
	}
	return db, nil
}

// Migrate 自动迁移，测试中的 sqlite 也走这里
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Group{})
}

// BuildDSN 构建PostgreSQL DSN
func BuildDSN(host, port, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, dbname)
}
