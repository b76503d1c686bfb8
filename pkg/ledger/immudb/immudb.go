// Package immudb keeps the ledger and its transaction log in immudb SQL
// tables, giving both a tamper-evident history.
package immudb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codenotary/immudb/pkg/api/schema"
	"github.com/codenotary/immudb/pkg/client"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	DefaultAccountsTable = "accounts"
	DefaultLogTable      = "log_entries"

	// pageSize stays below the server's default query result limit.
	pageSize = 500
)

// sqlClient is the part of client.ImmuClient the backends use, plus a way to
// start an interactive transaction.
type sqlClient interface {
	SQLExec(ctx context.Context, sql string, params map[string]interface{}) (*schema.SQLExecResult, error)
	SQLQuery(ctx context.Context, sql string, params map[string]interface{}, renewSnapshot bool) (*schema.SQLQueryResult, error)
	BeginTx(ctx context.Context) (sqlTx, error)
	CloseSession(ctx context.Context) error
}

// sqlTx is the part of client.Tx SaveAll uses. Rows read inside the
// transaction are validated again when it commits.
type sqlTx interface {
	SQLExec(ctx context.Context, sql string, params map[string]interface{}) error
	SQLQuery(ctx context.Context, sql string, params map[string]interface{}) (*schema.SQLQueryResult, error)
	Commit(ctx context.Context) (*schema.CommittedSQLTx, error)
	Rollback(ctx context.Context) error
}

// session adapts an open immudb session to sqlClient.
type session struct {
	client.ImmuClient
}

func (s session) BeginTx(ctx context.Context) (sqlTx, error) {
	tx, err := s.NewTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type dialFunc func(ctx context.Context) (sqlClient, error)

// Config holds the connection settings for immudb
type Config struct {
	Address       string
	Port          int
	Username      string
	Password      string
	Database      string
	AccountsTable string
	LogTable      string
}

// Factory creates immudb backed stores and logs
type Factory struct{}

// NewFactory creates a new factory for immudb
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStore implements the ledger.StoreFactory interface
func (f *Factory) CreateStore(config map[string]interface{}) (ledger.Store, error) {
	cfg := parseConfig(config)
	return &Store{dial: sessionDialer(cfg), table: cfg.AccountsTable}, nil
}

// CreateLog implements the ledger.LogFactory interface
func (f *Factory) CreateLog(config map[string]interface{}) (ledger.TransactionLog, error) {
	cfg := parseConfig(config)
	return &Log{dial: sessionDialer(cfg), table: cfg.LogTable}, nil
}

func parseConfig(config map[string]interface{}) Config {
	cfg := Config{
		Address:       "127.0.0.1",
		Port:          3322,
		Username:      "immudb",
		Password:      "immudb",
		Database:      "defaultdb",
		AccountsTable: DefaultAccountsTable,
		LogTable:      DefaultLogTable,
	}
	stringParam := func(key string, dst *string) {
		if v, ok := config[key].(string); ok && v != "" {
			*dst = v
		}
	}
	stringParam("address", &cfg.Address)
	stringParam("username", &cfg.Username)
	stringParam("password", &cfg.Password)
	stringParam("database", &cfg.Database)
	stringParam("accountsTable", &cfg.AccountsTable)
	stringParam("logTable", &cfg.LogTable)

	switch v := config["port"].(type) {
	case int:
		cfg.Port = v
	case int64:
		cfg.Port = int(v)
	case float64:
		cfg.Port = int(v)
	}
	return cfg
}

func sessionDialer(cfg Config) dialFunc {
	return func(ctx context.Context) (sqlClient, error) {
		opts := client.DefaultOptions().
			WithAddress(cfg.Address).
			WithPort(cfg.Port)
		c := client.NewClient().WithOptions(opts)
		if err := c.OpenSession(ctx, []byte(cfg.Username), []byte(cfg.Password), cfg.Database); err != nil {
			return nil, fmt.Errorf("%w: failed to connect to immudb: %w", ledger.ErrStorageUnavailable, err)
		}
		return session{c}, nil
	}
}

// connect opens a session and creates the table when it is missing.
func connect(ctx context.Context, dial dialFunc, ddl string) (sqlClient, error) {
	c, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.SQLExec(ctx, ddl, nil); err != nil {
		_ = c.CloseSession(ctx)
		return nil, fmt.Errorf("%w: failed to create table: %w", ledger.ErrStorageUnavailable, err)
	}
	return c, nil
}

// Store is a ledger.Store on an immudb table keyed by username
type Store struct {
	dial   dialFunc
	table  string
	client sqlClient
}

// Initialize implements the ledger.Store interface
func (s *Store) Initialize(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"username VARCHAR[256] NOT NULL, "+
		"position INTEGER NOT NULL, "+
		"balance VARCHAR[64] NOT NULL, "+
		"wallet VARCHAR[64] NOT NULL, "+
		"last_added INTEGER, "+
		"PRIMARY KEY username"+
		")", s.table)
	c, err := connect(ctx, s.dial, ddl)
	if err != nil {
		return err
	}
	s.client = c
	return nil
}

// Close implements the ledger.Store interface
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.CloseSession(context.Background())
	s.client = nil
	return err
}

// LoadAll implements the ledger.Store interface
func (s *Store) LoadAll(ctx context.Context) ([]ledger.Account, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: immudb store not initialized", ledger.ErrStorageUnavailable)
	}

	type positioned struct {
		position int64
		account  ledger.Account
	}
	var rows []positioned

	query := fmt.Sprintf("SELECT username, position, balance, wallet, last_added FROM %s "+
		"WHERE username > @after ORDER BY username LIMIT %d", s.table, pageSize)
	after := ""
	for {
		result, err := s.client.SQLQuery(ctx, query, map[string]interface{}{"after": after}, true)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read accounts: %w", ledger.ErrStorageUnavailable, err)
		}
		for _, row := range result.Rows {
			position, a, err := accountFromRow(row.Values)
			if err != nil {
				return nil, err
			}
			rows = append(rows, positioned{position: position, account: a})
			after = a.Username
		}
		if len(result.Rows) < pageSize {
			break
		}
	}

	// accounts created concurrently can share a position
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].position != rows[j].position {
			return rows[i].position < rows[j].position
		}
		return rows[i].account.Username < rows[j].account.Username
	})
	accounts := make([]ledger.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account)
	}
	return accounts, nil
}

// SaveAll implements the ledger.Store interface. Inside one interactive
// transaction it checks that every account about to change still holds its
// base state, then upserts or deletes just those rows. immudb rejects the
// commit if any row read was written by another transaction in between.
func (s *Store) SaveAll(ctx context.Context, base, accounts []ledger.Account) error {
	if s.client == nil {
		return fmt.Errorf("%w: immudb store not initialized", ledger.ErrStorageUnavailable)
	}
	changes := ledger.Diff(base, accounts)
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ledger.ErrStorageUnavailable, err)
	}
	if err := s.applyChanges(ctx, tx, changes); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Commit(ctx); err != nil {
		if isReadConflict(err) {
			return fmt.Errorf("%w: %w", ledger.ErrStorageConflict, err)
		}
		return fmt.Errorf("%w: failed to save accounts: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) applyChanges(ctx context.Context, tx sqlTx, changes []ledger.Change) error {
	query := fmt.Sprintf("SELECT username, position, balance, wallet, last_added FROM %s WHERE username = @username", s.table)
	for _, c := range changes {
		result, err := tx.SQLQuery(ctx, query, map[string]interface{}{"username": c.Username})
		if err != nil {
			return fmt.Errorf("%w: failed to read account %s: %w", ledger.ErrStorageUnavailable, c.Username, err)
		}
		var current *ledger.Account
		if len(result.Rows) > 0 {
			_, a, err := accountFromRow(result.Rows[0].Values)
			if err != nil {
				return err
			}
			current = &a
		}

		switch {
		case c.Before == nil && current != nil:
			return fmt.Errorf("%w: account %s was created concurrently", ledger.ErrStorageConflict, c.Username)
		case c.Before != nil && (current == nil || !current.Equal(*c.Before)):
			return fmt.Errorf("%w: account %s was modified concurrently", ledger.ErrStorageConflict, c.Username)
		}

		stmt, params := changeStatement(s.table, c)
		if err := tx.SQLExec(ctx, stmt, params); err != nil {
			return fmt.Errorf("%w: failed to save account %s: %w", ledger.ErrStorageUnavailable, c.Username, err)
		}
	}
	return nil
}

// isReadConflict matches immudb's MVCC commit failure, which reaches the
// client only as a gRPC status message.
func isReadConflict(err error) bool {
	return strings.Contains(err.Error(), "tx read conflict")
}

// Export implements the ledger.Store interface
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	accounts, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(accounts)
}

// changeStatement renders one change as an UPSERT or a DELETE.
func changeStatement(table string, c ledger.Change) (string, map[string]interface{}) {
	if c.After == nil {
		return fmt.Sprintf("DELETE FROM %s WHERE username = @username", table),
			map[string]interface{}{"username": c.Username}
	}
	a := c.After
	return fmt.Sprintf("UPSERT INTO %s (username, position, balance, wallet, last_added) "+
			"VALUES (@username, @position, @balance, @wallet, @last_added)", table),
		map[string]interface{}{
			"username":   a.Username,
			"position":   int64(c.Position),
			"balance":    a.Balance.String(),
			"wallet":     a.Wallet.String(),
			"last_added": lastAddedParam(a.LastAdded),
		}
}

// lastAddedParam stores a nil time as NULL.
func lastAddedParam(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func accountFromRow(values []*schema.SQLValue) (int64, ledger.Account, error) {
	if len(values) != 5 {
		return 0, ledger.Account{}, fmt.Errorf("%w: account row has %d columns", ledger.ErrStorageCorrupt, len(values))
	}
	username := values[0].GetS()
	balance, err := decimal.NewFromString(values[2].GetS())
	if err != nil {
		return 0, ledger.Account{}, fmt.Errorf("%w: balance of %s: %w", ledger.ErrStorageCorrupt, username, err)
	}
	wallet, err := decimal.NewFromString(values[3].GetS())
	if err != nil {
		return 0, ledger.Account{}, fmt.Errorf("%w: wallet of %s: %w", ledger.ErrStorageCorrupt, username, err)
	}
	a := ledger.Account{Username: username, Balance: balance, Wallet: wallet}
	switch v := values[4].GetValue().(type) {
	case nil, *schema.SQLValue_Null:
	case *schema.SQLValue_N:
		t := time.Unix(0, v.N).UTC()
		a.LastAdded = &t
	default:
		return 0, ledger.Account{}, fmt.Errorf("%w: last_added of %s has type %T", ledger.ErrStorageCorrupt, username, v)
	}
	return values[1].GetN(), a, nil
}

// Log is a ledger.TransactionLog on an append-only immudb table
type Log struct {
	dial   dialFunc
	table  string
	client sqlClient
}

// Initialize implements the ledger.TransactionLog interface
func (l *Log) Initialize(ctx context.Context) error {
	if l.client != nil {
		return nil
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"id INTEGER AUTO_INCREMENT, "+
		"ts INTEGER NOT NULL, "+
		"message VARCHAR NOT NULL, "+
		"PRIMARY KEY id"+
		")", l.table)
	c, err := connect(ctx, l.dial, ddl)
	if err != nil {
		return err
	}
	l.client = c
	return nil
}

// Close implements the ledger.TransactionLog interface
func (l *Log) Close() error {
	if l.client == nil {
		return nil
	}
	err := l.client.CloseSession(context.Background())
	l.client = nil
	return err
}

// Append implements the ledger.TransactionLog interface
func (l *Log) Append(ctx context.Context, entry ledger.Entry) error {
	if l.client == nil {
		return fmt.Errorf("%w: immudb log not initialized", ledger.ErrStorageUnavailable)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (ts, message) VALUES (@ts, @message)", l.table)
	params := map[string]interface{}{
		"ts":      entry.Time.UnixNano(),
		"message": entry.Message,
	}
	if _, err := l.client.SQLExec(ctx, stmt, params); err != nil {
		return fmt.Errorf("%w: failed to append log entry: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}

// Export implements the ledger.TransactionLog interface
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	if l.client == nil {
		return nil, fmt.Errorf("%w: immudb log not initialized", ledger.ErrStorageUnavailable)
	}

	query := fmt.Sprintf("SELECT id, ts, message FROM %s WHERE id > @after ORDER BY id LIMIT %d", l.table, pageSize)
	var entries []ledger.Entry
	var after int64
	for {
		result, err := l.client.SQLQuery(ctx, query, map[string]interface{}{"after": after}, true)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read log: %w", ledger.ErrStorageUnavailable, err)
		}
		for _, row := range result.Rows {
			if len(row.Values) != 3 {
				return nil, fmt.Errorf("%w: log row has %d columns", ledger.ErrStorageCorrupt, len(row.Values))
			}
			after = row.Values[0].GetN()
			entries = append(entries, ledger.Entry{
				Time:    time.Unix(0, row.Values[1].GetN()),
				Message: row.Values[2].GetS(),
			})
		}
		if len(result.Rows) < pageSize {
			break
		}
	}
	return ledger.FormatLog(entries), nil
}
