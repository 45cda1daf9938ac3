package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsEventAggregates(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	event := aggregation.Event{
		EventID:       "event-1",
		TargetAmount:  decimal.NewFromInt(100),
		Milestones:    []decimal.Decimal{},
		CurrentAmount: decimal.Zero,
		Version:       1,
	}
	if err := database.Create(&event).Error; err != nil {
		testContext.Fatalf("failed to insert event: %v", err)
	}
	rows := []commitments.Commitment{
		{EventID: "event-1", SequenceNumber: 1, CommitmentID: "c-1", DonorRef: "donor-a", CommittedAmount: decimal.NewFromInt(10), CommitmentHash: "0xaa", ZKProofRef: "p-1"},
		{EventID: "event-1", SequenceNumber: 2, CommitmentID: "c-2", DonorRef: "donor-b", CommittedAmount: decimal.RequireFromString("2.5"), CommitmentHash: "0xbb", ZKProofRef: "p-2"},
		{EventID: "event-1", SequenceNumber: 3, CommitmentID: "c-3", DonorRef: "donor-a", CommittedAmount: decimal.NewFromInt(5), CommitmentHash: "0xcc", ZKProofRef: "p-3"},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert commitments: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored aggregation.Event
	if err := database.Where("event_id = ?", "event-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	if !stored.CurrentAmount.Equal(decimal.RequireFromString("17.5")) {
		testContext.Fatalf("unexpected current amount %s", stored.CurrentAmount)
	}
	if stored.UniqueDonorCount != 2 || stored.LastSequence != 3 {
		testContext.Fatalf("unexpected aggregate %#v", stored)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillEventAggregates).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "pledgeboard.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	for _, table := range []string{"commitments", "events", "event_donors", "privacy_preferences", "achievements", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
