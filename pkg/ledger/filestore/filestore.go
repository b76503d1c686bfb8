package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
)

const (
	DefaultDataDir    = "data"
	DefaultLedgerFile = "currency_data.json"
	DefaultLogFile    = "transactions.txt"
)

// FileStore implements ledger.Store on a single JSON array file
type FileStore struct {
	path string
}

// FileLog implements ledger.TransactionLog on an append-only text file
type FileLog struct {
	path string
}

// FileFactory creates file-backed stores and logs
type FileFactory struct{}

// NewFileFactory creates a new file factory
func NewFileFactory() *FileFactory {
	return &FileFactory{}
}

// CreateStore implements the ledger.StoreFactory interface
func (f *FileFactory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	return NewFileStore(filepath.Join(dataDir(config), stringParam(config, "ledgerFile", DefaultLedgerFile))), nil
}

// CreateLog implements the ledger.LogFactory interface
func (f *FileFactory) CreateLog(config map[string]interface{}) (ledger.TransactionLog, error) {
	return NewFileLog(filepath.Join(dataDir(config), stringParam(config, "logFile", DefaultLogFile))), nil
}

func dataDir(config map[string]interface{}) string {
	return stringParam(config, "dataDir", DefaultDataDir)
}

func stringParam(config map[string]interface{}, key, defaultValue string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// NewFileStore creates a store backed by the JSON file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string { return s.path }

// Initialize creates the data directory and an empty ledger when none exists
func (s *FileStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %w", ledger.ErrStorageUnavailable, err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %w", ledger.ErrStorageUnavailable, s.path, err)
	}
	return s.withLock(func() error {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
		return s.write(nil)
	})
}

// Close implements the ledger.Store interface
func (s *FileStore) Close() error {
	return nil
}

// LoadAll implements the ledger.Store interface
func (s *FileStore) LoadAll(ctx context.Context) ([]ledger.Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ledger.ErrStorageUnavailable, s.path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: %s does not hold a JSON array", ledger.ErrStorageCorrupt, s.path)
	}

	accounts := make([]ledger.Account, 0)
	if err := json.Unmarshal(trimmed, &accounts); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ledger.ErrStorageCorrupt, s.path, err)
	}
	return accounts, nil
}

// SaveAll implements the ledger.Store interface. While holding the lock file
// it re-reads the ledger, applies the difference between base and accounts
// to what is on disk and writes the result back.
func (s *FileStore) SaveAll(ctx context.Context, base, accounts []ledger.Account) error {
	changes := ledger.Diff(base, accounts)
	if len(changes) == 0 {
		return nil
	}
	return s.withLock(func() error {
		current, err := s.LoadAll(ctx)
		if err != nil {
			return err
		}
		merged, err := ledger.Apply(current, changes)
		if err != nil {
			return err
		}
		return s.write(merged)
	})
}

// withLock runs fn holding an exclusive lock on the ledger's lock file, which
// serializes writers across processes as well as goroutines.
func (s *FileStore) withLock(fn func() error) error {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %w", ledger.ErrStorageUnavailable, err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("%w: lock %s: %w", ledger.ErrStorageUnavailable, s.path, err)
	}
	defer unlockFile(f)
	return fn()
}

// write stores accounts through a temporary file renamed over the ledger, so a
// failed write never leaves a half-written file behind.
func (s *FileStore) write(accounts []ledger.Account) error {
	if accounts == nil {
		accounts = []ledger.Account{}
	}
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("%w: encode ledger: %w", ledger.ErrStorageUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ledger.ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %w", ledger.ErrStorageUnavailable, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %w", ledger.ErrStorageUnavailable, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %w", ledger.ErrStorageUnavailable, s.path, err)
	}
	return nil
}

// Export returns the ledger file bytes unchanged
func (s *FileStore) Export(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ledger.ErrStorageUnavailable, s.path, err)
	}
	return data, nil
}

// NewFileLog creates a transaction log backed by the text file at path
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// Path returns the log file location.
func (l *FileLog) Path() string { return l.path }

// Initialize implements the ledger.TransactionLog interface
func (l *FileLog) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements the ledger.TransactionLog interface
func (l *FileLog) Close() error {
	return nil
}

// Append implements the ledger.TransactionLog interface
func (l *FileLog) Append(ctx context.Context, entry ledger.Entry) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ledger.ErrStorageUnavailable, l.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry.String() + "\n"); err != nil {
		return fmt.Errorf("%w: append %s: %w", ledger.ErrStorageUnavailable, l.path, err)
	}
	return nil
}

// Export returns the log file bytes unchanged; a log that was never written is empty
func (l *FileLog) Export(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ledger.ErrStorageUnavailable, l.path, err)
	}
	return data, nil
}
