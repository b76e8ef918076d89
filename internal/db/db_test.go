package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_votes.up.sql", "CREATE TABLE b ();")
	writeFile(t, dir, "001_escrows.up.sql", "CREATE TABLE a ();")
	writeFile(t, dir, "001_escrows.down.sql", "DROP TABLE a;")
	writeFile(t, dir, "README", "not sql")

	got, err := loadMigrations(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Version != "001_escrows" || got[1].Version != "002_votes" {
		t.Fatalf("versions = %+v", got)
	}
	if len(got[0].Checksum) != 64 || got[0].Checksum == got[1].Checksum {
		t.Errorf("checksums = %q, %q", got[0].Checksum, got[1].Checksum)
	}
}

func TestLoadMigrations_Errors(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
		want string
	}{
		{"missing directory", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }, "read migrations directory"},
		{"no up files", func(t *testing.T) string {
			dir := t.TempDir()
			writeFile(t, dir, "001_escrows.down.sql", "DROP TABLE a;")
			return dir
		}, "no *.up.sql migrations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.dir(t))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRepoMigrationsLoad(t *testing.T) {
	got, err := loadMigrations("../../migrations")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Version != "001_escrow_engine" {
		t.Errorf("first migration = %s", got[0].Version)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@localhost:5432/escrow_engine", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConns != 20 || cfg.MinConns != 2 {
		t.Errorf("conns = %d/%d, want 20/2", cfg.MaxConns, cfg.MinConns)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != ApplicationName {
		t.Errorf("application_name = %q", got)
	}

	cfg, err = poolConfig("postgres://u:p@localhost:5432/db?application_name=ops", 1)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConns != 1 || cfg.MinConns != 1 {
		t.Errorf("conns = %d/%d, want 1/1", cfg.MaxConns, cfg.MinConns)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "ops" {
		t.Errorf("application_name = %q, want ops", got)
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("redis://localhost:6379/3", "worker")
	if err != nil {
		t.Fatal(err)
	}
	if opts.DB != 3 || opts.ClientName != "escrow-engine:worker" {
		t.Errorf("opts = db %d name %q", opts.DB, opts.ClientName)
	}
	if _, err := redisOptions("http://nope", "api"); err == nil {
		t.Error("expected an error for a non-redis url")
	}
}
