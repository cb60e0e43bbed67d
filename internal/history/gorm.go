package history

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

// slowQueryThreshold marks queries logged as slow by the gorm adapter
const slowQueryThreshold = 500 * time.Millisecond

// ScanRow is the relational representation of a saved scan. The
// auto-increment id gives insertion order, so reading by id descending yields
// newest first without rewriting rows.
type ScanRow struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	ImageReference string         `gorm:"size:1024;not null"`
	Findings       []scan.Finding `gorm:"serializer:json;type:text"`
	SavedAt        time.Time      `gorm:"index"`
	CreatedAt      time.Time
}

// TableName sets the table name.
func (ScanRow) TableName() string { return "scans" }

// GormStore persists history in SQLite or MySQL through gorm.
type GormStore struct {
	db      *gorm.DB
	backend string
	log     logger.Logger
}

// MySQLConfig holds MySQL connection settings.
type MySQLConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// DSN formats the connection string with the driver's own formatter.
func (c MySQLConfig) DSN() string {
	cfg := mysqldriver.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenSQLite opens (creating when needed) a SQLite history database.
func OpenSQLite(path string, debug bool) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, persistenceError(err, "sqlite", "create_dir").Context("path", path).Build()
		}
	}
	return OpenGorm(sqlite.Open(path), "sqlite", debug)
}

// OpenMySQL connects to a MySQL history database.
func OpenMySQL(cfg MySQLConfig, debug bool) (*GormStore, error) {
	return OpenGorm(mysql.Open(cfg.DSN()), "mysql", debug)
}

// OpenGorm opens a store on any gorm dialector and migrates the schema.
func OpenGorm(dialector gorm.Dialector, backend string, debug bool) (*GormStore, error) {
	log := GetLogger().Module(backend)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, slowQueryThreshold),
	})
	if err != nil {
		return nil, persistenceError(err, backend, "open").Build()
	}

	start := time.Now()
	if err := db.AutoMigrate(&ScanRow{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, persistenceError(err, backend, "migrate").Build()
	}
	if debug {
		log.Debug("history schema migrated", logger.Duration("elapsed", time.Since(start)))
	}

	return &GormStore{db: db, backend: backend, log: log}, nil
}

// Append inserts a row; its id orders it before every earlier row.
func (s *GormStore) Append(ctx context.Context, rec scan.Record) error {
	rec = normalize(rec)
	row := ScanRow{
		ImageReference: rec.ImageReference,
		Findings:       rec.Findings,
		SavedAt:        rec.SavedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return persistenceError(err, s.backend, "append").Build()
	}
	s.log.Debug("record appended", logger.Uint64("id", uint64(row.ID)))
	return nil
}

// ReadAll returns rows newest first, or an empty slice on query failure.
func (s *GormStore) ReadAll(ctx context.Context) []scan.Record {
	var rows []ScanRow
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&rows).Error; err != nil {
		s.log.Warn("history query failed, returning empty history", logger.Error(err))
		return []scan.Record{}
	}

	records := make([]scan.Record, 0, len(rows))
	for i := range rows {
		records = append(records, normalize(scan.Record{
			ImageReference: rows[i].ImageReference,
			Findings:       rows[i].Findings,
			SavedAt:        rows[i].SavedAt,
		}))
	}
	return records
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
