// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var databaseSequence atomic.Int64

// OpenDatabase opens a private in-memory SQLite database, migrates the provided
// models and closes it when the test ends. A single connection is used, matching
// the production setup.
func OpenDatabase(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, databaseSequence.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if len(models) > 0 {
		if err := database.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate schema: %v", err)
		}
	}
	return database
}

// FixedClock returns a clock pinned to the provided unix second that can be advanced.
type FixedClock struct {
	seconds atomic.Int64
}

// NewFixedClock constructs a FixedClock.
func NewFixedClock(unixSeconds int64) *FixedClock {
	clock := &FixedClock{}
	clock.seconds.Store(unixSeconds)
	return clock
}

// Now returns the current pinned time.
func (c *FixedClock) Now() time.Time {
	return time.Unix(c.seconds.Load(), 0).UTC()
}

// Advance moves the clock forward.
func (c *FixedClock) Advance(delta time.Duration) {
	c.seconds.Add(int64(delta / time.Second))
}
