package cookieprofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// database wraps the GORM connection and serializes all writes behind a
// mutex. The embedded engine doesn't tolerate concurrent writers well,
// so concurrent callers queue rather than parallelize - this bounds
// throughput, not correctness.
//
// database implements the Store interface (store.go), which exists
// primarily to enable mocking in tests.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
	states StateSet

	// enableConcurrentWrites skips the mutex; only safe for engines
	// with real concurrent-writer support (postgres)
	enableConcurrentWrites bool
}

// NewDatabase wraps an initialized GORM connection in the serialized
// store. Pass enableConcurrentWrites=true only for postgres.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	states StateSet,
	enableConcurrentWrites bool,
) Store {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		states:                 states,
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// opContext attaches the standard operation timeout when the caller
// didn't set a deadline of their own.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateDB initializes a GORM connection for the given database type
// ('sqlite' or 'postgres') and runs the full migration pass: idempotent
// DDL, additive column backfills and state label normalization. It is
// safe - and expected - to run on every boot.
//
// logLevel and slowThreshold control statement logging; zero values fall
// back to the package defaults.
//
// A returned error here is fatal to startup: no store, no service.
func CreateDB(
	ctx context.Context,
	databaseType string,
	dsn string,
	logLevel slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = DefaultDatabaseLogLevel
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: logLevel, AddSource: true},
	)
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", dsn,
	)
	db, err := getDB(databaseType, dsn, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, execErr)
			}
		}
	}

	if err = migrate(ctx, db); err != nil {
		return db, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

// getDB opens the GORM connection for the given database type.
func getDB(
	databaseType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(dsn)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(dsn), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// migrate brings a store file of any previously deployed schema up to
// the current one. Every step is additive and idempotent: tables and
// columns are only ever created, never renamed or dropped.
func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return txn.Error
	}

	mg := txn.Migrator()
	if err := mg.AutoMigrate(
		&GuildConfig{},
		&Profile{},
		&ScheduledDelete{},
		&ProfileRefreshProgress{},
	); err != nil {
		txn.Rollback()
		return err
	}

	if err := migrateLegacyColumns(txn); err != nil {
		txn.Rollback()
		return err
	}

	if err := migrateStateLabels(txn); err != nil {
		txn.Rollback()
		return err
	}

	return txn.Commit().Error
}

// migrateLegacyColumns backfills columns that were renamed in earlier
// deployments. The old column is left in place - dropping it would make
// the migration destructive and non-rerunnable against a downgrade.
func migrateLegacyColumns(tx *gorm.DB) error {
	if !tx.Migrator().HasColumn(&GuildConfig{}, legacyColumnPanelChannelID) {
		return nil
	}
	return tx.Exec(
		fmt.Sprintf(
			"UPDATE %s SET channel_id = panel_channel_id "+
				"WHERE (channel_id IS NULL OR channel_id = '') "+
				"AND panel_channel_id IS NOT NULL",
			GuildConfig{}.TableName(),
		),
	).Error
}

// migrateStateLabels rewrites legacy mood labels to the current
// canonical set.
//
// Two historical label schemes collided on 休憩: in the four-state era
// it sat alongside 省エネ and meant "worn out", while the earlier scheme
// used it for "low power". The presence of 省エネ anywhere in the table marks
// the four-state era, and that detection MUST happen before any rewrite
// runs (the unambiguous renames below erase the marker). A single-pass
// rename would misclassify 休憩 rows carried over from the earlier
// scheme, so the detect-then-rewrite split here is load-bearing.
func migrateStateLabels(tx *gorm.DB) error {
	var fourStateEra int64
	if err := tx.Model(&Profile{}).
		Where("state = ?", legacyStateEnergySaver).
		Count(&fourStateEra).Error; err != nil {
		return err
	}

	renames := []struct {
		from ProfileState
		to   ProfileState
	}{
		{legacyStateGood, StateEnergetic},
		{legacyStateOrdinary, StateNormal},
		{legacyStatePoor, StateTired},
		{legacyStateEnergySaver, StateSlow},
	}
	for _, r := range renames {
		if err := tx.Model(&Profile{}).
			Where("state = ?", r.from).
			Update(columnProfileState, r.to).Error; err != nil {
			return err
		}
	}

	restingTarget := StateSlow
	if fourStateEra > 0 {
		restingTarget = StateTired
	}
	return tx.Model(&Profile{}).
		Where("state = ?", legacyStateResting).
		Update(columnProfileState, restingTarget).Error
}
