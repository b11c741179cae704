package db

import (
	"math/big"
	"testing"
	"time"

	"github.com/0xjit/jitbot/pkg/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestMySQLRecorder_RecordOutcome(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to create gorm DB: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `bundle_records`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	recorder := &MySQLRecorder{db: gormDB}

	pool := domain.PoolId{Label: "weth-usdc-500", Address: common.HexToAddress("0x1")}
	err = recorder.RecordOutcome(pool, 19_000_001, "weth-usdc-500-19000001", domain.Included, 42.5, big.NewInt(7_000_000_000_000_000), big.NewInt(300_000), time.Now())
	if err != nil {
		t.Errorf("RecordOutcome failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestBigIntToString(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{name: "nil value", input: nil, expected: "0"},
		{name: "zero value", input: big.NewInt(0), expected: "0"},
		{name: "positive value", input: big.NewInt(123456789), expected: "123456789"},
		{
			name:     "large value",
			input:    new(big.Int).SetBytes([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
			expected: "18446744073709551615",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := bigIntToString(tt.input)
			if result != tt.expected {
				t.Errorf("bigIntToString() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestBundleRecord_TableName(t *testing.T) {
	record := BundleRecord{}
	expected := "bundle_records"
	if record.TableName() != expected {
		t.Errorf("TableName() = %v, want %v", record.TableName(), expected)
	}
}

// Integration test example (requires actual MySQL instance)
// Uncomment and configure DSN to run
/*
func TestMySQLRecorder_Integration(t *testing.T) {
	dsn := "testuser:testpass@tcp(localhost:3306)/jitbot_test?charset=utf8mb4&parseTime=True&loc=Local"

	recorder, err := NewMySQLRecorder(dsn)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	defer recorder.Close()

	pool := domain.PoolId{Label: "weth-usdc-500"}
	err = recorder.RecordOutcome(pool, 19_000_001, "bundle-1", domain.Included, 10, big.NewInt(1), big.NewInt(1), time.Now())
	if err != nil {
		t.Errorf("RecordOutcome failed: %v", err)
	}

	count, err := recorder.CountRecords()
	if err != nil {
		t.Errorf("CountRecords failed: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one record")
	}
}
*/
