package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pedro-hbl/gopher-ledger/internal/config"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/filestore"
)

func TestFactories(t *testing.T) {
	for _, name := range []string{config.BackendFile, config.BackendDynamoDB, config.BackendImmuDB} {
		if _, err := StoreFactory(name); err != nil {
			t.Fatalf("store %s: %v", name, err)
		}
	}
	if _, err := StoreFactory(config.BackendTimestream); err == nil {
		t.Fatal("timestream cannot hold accounts")
	}
	for _, name := range []string{config.BackendFile, config.BackendDynamoDB, config.BackendImmuDB, config.BackendTimestream} {
		if _, err := LogFactory(name); err != nil {
			t.Fatalf("log %s: %v", name, err)
		}
	}
	if _, err := LogFactory("postgres"); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestOpenFileBackends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := &config.Config{
		Store: config.BackendConfig{Backend: config.BackendFile},
		Log:   config.BackendConfig{Backend: config.BackendFile},
		File: config.FileConfig{
			DataDir:    dir,
			LedgerFile: filestore.DefaultLedgerFile,
			LogFile:    filestore.DefaultLogFile,
		},
	}

	store, txlog, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer Close(store, txlog)

	data, err := os.ReadFile(filepath.Join(dir, filestore.DefaultLedgerFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("ledger file=%q want []", data)
	}
	accounts, err := store.LoadAll(context.Background())
	if err != nil || len(accounts) != 0 {
		t.Fatalf("accounts=%v err=%v", accounts, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{
		Store: config.BackendConfig{Backend: "sqlite"},
		Log:   config.BackendConfig{Backend: config.BackendFile},
	}
	if _, _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("unknown store backend accepted")
	}
}
