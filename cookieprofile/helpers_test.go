package cookieprofile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile, nil, 0)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// testStore wraps a temporary SQLite database in the serialized store.
func testStore(t testing.TB) Store {
	t.Helper()
	return NewDatabase(gormDB(t), slog.Default(), DefaultStateSet(), false)
}

func TestParseSnowflake(t *testing.T) {
	t.Parallel()

	if got := parseSnowflake(""); got != 0 {
		t.Errorf("expected 0 for empty input, got %d", got)
	}
	if got := parseSnowflake("not-a-number"); got != 0 {
		t.Errorf("expected 0 for malformed input, got %d", got)
	}
	if got := parseSnowflake("1234567890123456789"); got != 1234567890123456789 {
		t.Errorf("unexpected value: %d", got)
	}
	if got := formatSnowflake(0); got != "" {
		t.Errorf("expected empty string for 0, got %q", got)
	}
	if got := formatSnowflake(42); got != "42" {
		t.Errorf("unexpected value: %q", got)
	}
}
