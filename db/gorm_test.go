package db

import (
	"strings"
	"testing"

	"QFMCast/config"
)

func TestDSN(t *testing.T) {
	cfg := &config.Config{
		DBUser:     "root",
		DBPassword: "p@ss:word",
		DBHost:     "127.0.0.1",
		DBPort:     "3306",
		DBName:     "qfmcast",
	}

	dsn := DSN(cfg)
	if !strings.HasPrefix(dsn, "root:p@ss:word@tcp(127.0.0.1:3306)/qfmcast?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	for _, want := range []string{"parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}

func TestAutoMigrateWithoutConnection(t *testing.T) {
	GormDB = nil
	if err := AutoMigrate(); err == nil {
		t.Fatal("expected error when database is not initialised")
	}
}
