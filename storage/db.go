package storage

import (
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/repo"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database. SQLite has no row locks, so
// its pool is pinned to one connection and transactions serialize.
func Open(config *repo.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	maxOpen := config.Storage.MaxOpenConns
	switch config.Storage.Driver {
	case "sqlite":
		dialector = sqlite.Open(config.SQLiteDSN())
		maxOpen = 1
	case "postgres":
		dialector = postgres.Open(config.Storage.DSN)
	default:
		return nil, errors.Errorf("unsupported storage driver %q", config.Storage.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	return db, nil
}

// Migrate creates or updates every table the engine owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.All()...); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
