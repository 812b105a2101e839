package reports

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultBusyTimeoutMS = 5000

type DBOptions struct {
	BusyTimeoutMS int
	// Debug turns on gorm SQL logging.
	Debug bool
}

func OpenDB(path string, opts DBOptions) (*gorm.DB, error) {
	db, err := openSQLite(path, opts)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func openSQLite(path string, opts DBOptions) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = defaultBusyTimeoutMS
	}
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path, busy)
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if opts.Debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection turns lock contention into queueing.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SeedStates makes sure every state in the lookup table has a dimension row.
func SeedStates(ctx context.Context, db *gorm.DB, lookups *Lookups) (int, error) {
	codes := make([]string, 0, len(lookups.StateNames))
	for code := range lookups.StateNames {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	resolver := NewResolver(db, lookups)
	created := 0
	for _, code := range codes {
		_, fresh, err := resolver.resolveState(ctx, code, lookups.StateNames[code])
		if err != nil {
			return created, fmt.Errorf("seed state %s: %w", code, err)
		}
		if fresh {
			created++
		}
	}
	return created, nil
}
