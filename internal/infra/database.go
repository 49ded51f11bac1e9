// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"qcrypt-service/config"
)

const sqlitePrefix = "sqlite:"

// dialector はDSNからドライバを選ぶ。
// "sqlite:" で始まるか .db で終わるDSNはSQLite、それ以外はMySQLとして扱う。
func dialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, sqlitePrefix):
		return sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), true
	case strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), true
	default:
		return mysql.Open(dsn), false
	}
}

// NewDB はgormによるデータベース接続を初期化する。
func NewDB(dsn string, cfg *config.Config) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	d, isSQLite := dialector(dsn)

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg != nil && cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("installing tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if isSQLite {
		// SQLiteは書き込みを直列化する
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
