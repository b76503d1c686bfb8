// Package backend turns a config.Config into initialized ledger backends.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/pedro-hbl/gopher-ledger/internal/config"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/dynamodb"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/filestore"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/immudb"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/timestream"
)

// StoreFactory returns the factory registered for name.
func StoreFactory(name string) (ledger.StoreFactory, error) {
	switch name {
	case config.BackendFile:
		return filestore.NewFileFactory(), nil
	case config.BackendDynamoDB:
		return dynamodb.NewFactory(), nil
	case config.BackendImmuDB:
		return immudb.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", name)
	}
}

// LogFactory returns the factory registered for name.
func LogFactory(name string) (ledger.LogFactory, error) {
	switch name {
	case config.BackendFile:
		return filestore.NewFileFactory(), nil
	case config.BackendDynamoDB:
		return dynamodb.NewFactory(), nil
	case config.BackendImmuDB:
		return immudb.NewFactory(), nil
	case config.BackendTimestream:
		return timestream.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unsupported log backend: %s", name)
	}
}

// Open creates and initializes the store and log cfg selects. Initialize
// creates missing files and tables, so Open also serves as setup.
func Open(ctx context.Context, cfg *config.Config) (ledger.Store, ledger.TransactionLog, error) {
	storeFactory, err := StoreFactory(cfg.Store.Backend)
	if err != nil {
		return nil, nil, err
	}
	logFactory, err := LogFactory(cfg.Log.Backend)
	if err != nil {
		return nil, nil, err
	}

	store, err := storeFactory.CreateStore(cfg.BackendParams(cfg.Store.Backend))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating %s store: %w", cfg.Store.Backend, err)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("error initializing %s store: %w", cfg.Store.Backend, err)
	}

	txlog, err := logFactory.CreateLog(cfg.BackendParams(cfg.Log.Backend))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("error creating %s log: %w", cfg.Log.Backend, err)
	}
	if err := txlog.Initialize(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("error initializing %s log: %w", cfg.Log.Backend, err)
	}
	return store, txlog, nil
}

// Close closes both backends.
func Close(store ledger.Store, txlog ledger.TransactionLog) error {
	return errors.Join(txlog.Close(), store.Close())
}
