// Package account enforces the ledger rules on top of a ledger.Store and a
// ledger.TransactionLog.
//
// Every mutating call runs one load -> mutate -> save -> append cycle while
// holding the service's write lock, so two requests on one Service never
// interleave their snapshots. Services in other processes sharing the same
// store are kept out by the store's compare-and-swap SaveAll: a conflicting
// save is retried from a fresh load. Reads take the read lock and always go
// back to the store.
package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pedro-hbl/gopher-ledger/internal/clock"
	"github.com/pedro-hbl/gopher-ledger/internal/metrics"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Service implements account creation, deposits, transfers and wallet top-ups.
type Service struct {
	mu      sync.RWMutex
	store   ledger.Store
	txlog   ledger.TransactionLog
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for wallet windows and log timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the collector operations are measured into.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service that owns store and txlog.
func NewService(store ledger.Store, txlog ledger.TransactionLog, opts ...Option) *Service {
	s := &Service{
		store:   store,
		txlog:   txlog,
		clock:   clock.System{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the collector the service records into.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// CreateAccount adds a zero-balance account. Creation is not logged.
func (s *Service) CreateAccount(ctx context.Context, username string) (ledger.Account, error) {
	var created ledger.Account
	err := s.metrics.MeasureOperation(metrics.CreateOperation, func() error {
		if username == "" {
			return ledger.ErrInvalidUsername
		}
		return s.mutate(ctx, func(accounts []ledger.Account) ([]ledger.Account, string, error) {
			if _, ok := ledger.FindByUsername(accounts, username); ok {
				return nil, "", fmt.Errorf("%w: %s", ledger.ErrDuplicateUser, username)
			}
			created = ledger.NewAccount(username)
			return append(accounts, created), "", nil
		})
	})
	return created, err
}

// Deposit adds amount to the user's general balance.
func (s *Service) Deposit(ctx context.Context, username string, amount decimal.Decimal) error {
	return s.metrics.MeasureOperation(metrics.DepositOperation, func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}
		return s.mutate(ctx, func(accounts []ledger.Account) ([]ledger.Account, string, error) {
			i, ok := ledger.FindByUsername(accounts, username)
			if !ok {
				return nil, "", fmt.Errorf("%w: %s", ledger.ErrUserNotFound, username)
			}
			accounts[i].Balance = accounts[i].Balance.Add(amount)
			return accounts, fmt.Sprintf("Deposited %s to %s", amount, username), nil
		})
	})
}

// Transfer moves amount from one user's balance to another's.
func (s *Service) Transfer(ctx context.Context, fromUser, toUser string, amount decimal.Decimal) error {
	return s.metrics.MeasureOperation(metrics.TransferOperation, func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}
		return s.mutate(ctx, func(accounts []ledger.Account) ([]ledger.Account, string, error) {
			from, okFrom := ledger.FindByUsername(accounts, fromUser)
			to, okTo := ledger.FindByUsername(accounts, toUser)
			if !okFrom || !okTo {
				return nil, "", fmt.Errorf("%w: %s -> %s", ledger.ErrUserNotFound, fromUser, toUser)
			}
			if accounts[from].Balance.LessThan(amount) {
				return nil, "", fmt.Errorf("%w: %s has %s", ledger.ErrInsufficientFunds, fromUser, accounts[from].Balance)
			}
			accounts[from].Balance = accounts[from].Balance.Sub(amount)
			accounts[to].Balance = accounts[to].Balance.Add(amount)
			return accounts, fmt.Sprintf("Transferred %s from %s to %s", amount, fromUser, toUser), nil
		})
	})
}

// AddToWallet tops up the user's wallet. Inside the funding window the wallet
// may not exceed ledger.WalletCap; once the window has elapsed the wallet is
// emptied before the new amount is added.
func (s *Service) AddToWallet(ctx context.Context, username string, amount decimal.Decimal) error {
	return s.metrics.MeasureOperation(metrics.WalletOperation, func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}
		return s.mutate(ctx, func(accounts []ledger.Account) ([]ledger.Account, string, error) {
			i, ok := ledger.FindByUsername(accounts, username)
			if !ok {
				return nil, "", fmt.Errorf("%w: %s", ledger.ErrUserNotFound, username)
			}
			acc := &accounts[i]
			now := s.clock.Now().UTC()

			windowOpen := daysElapsed(acc.LastAdded, now) < ledger.WalletWindowDays
			if windowOpen && acc.Wallet.Add(amount).GreaterThan(ledger.WalletCap) {
				return nil, "", ledger.ErrWalletCapExceeded
			}
			if !windowOpen {
				acc.Wallet = decimal.Zero
			}
			acc.Wallet = acc.Wallet.Add(amount)
			acc.LastAdded = &now
			return accounts, fmt.Sprintf("Added %s to %s's wallet", amount, username), nil
		})
	})
}

// WalletBalance returns the wallet sub-balance, not the general balance.
func (s *Service) WalletBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	var wallet decimal.Decimal
	err := s.metrics.MeasureOperation(metrics.QueryOperation, func() error {
		accounts, err := s.load(ctx)
		if err != nil {
			return err
		}
		i, ok := ledger.FindByUsername(accounts, username)
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUserNotFound, username)
		}
		wallet = accounts[i].Wallet
		return nil
	})
	return wallet, err
}

// ListAccounts returns the whole account collection as stored.
func (s *Service) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var accounts []ledger.Account
	err := s.metrics.MeasureOperation(metrics.QueryOperation, func() error {
		var err error
		accounts, err = s.load(ctx)
		return err
	})
	return accounts, err
}

// ExportLedger returns the store's raw ledger state.
func (s *Service) ExportLedger(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.metrics.MeasureOperation(metrics.ExportOperation, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var err error
		data, err = s.store.Export(ctx)
		return err
	})
	return data, err
}

// ExportTransactions returns the raw transaction log text.
func (s *Service) ExportTransactions(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.metrics.MeasureOperation(metrics.ExportOperation, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var err error
		data, err = s.txlog.Export(ctx)
		return err
	})
	return data, err
}

func (s *Service) load(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.LoadAll(ctx)
}

// maxSaveAttempts bounds how often a cycle is rerun after ErrStorageConflict.
const maxSaveAttempts = 10

// mutate runs one exclusive load -> fn -> save cycle and logs fn's message.
// Nothing is saved or logged when fn fails. A save that conflicts with
// another writer reruns the whole cycle, so fn sees the winner's update.
func (s *Service) mutate(ctx context.Context, fn func([]ledger.Account) ([]ledger.Account, string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var message string
	for attempt := 1; ; attempt++ {
		base, err := s.store.LoadAll(ctx)
		if err != nil {
			return err
		}
		// fn edits its argument in place; base must stay as loaded.
		working := append([]ledger.Account(nil), base...)
		updated, msg, err := fn(working)
		if err != nil {
			return err
		}

		err = s.store.SaveAll(ctx, base, updated)
		if err == nil {
			message = msg
			break
		}
		if !errors.Is(err, ledger.ErrStorageConflict) || attempt == maxSaveAttempts {
			return err
		}
		s.metrics.IncrementCounter(metrics.SaveConflicts)
		s.logger.DebugContext(ctx, "ledger changed underneath, retrying",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	if message == "" {
		return nil
	}

	entry := ledger.Entry{Time: s.clock.Now(), Message: message}
	if err := s.txlog.Append(ctx, entry); err != nil {
		// The ledger is already saved; the audit trail now lags behind it.
		s.metrics.IncrementCounter(metrics.LogAppendFailures)
		s.logger.WarnContext(ctx, "transaction log append failed",
			slog.String("entry", entry.String()),
			slog.Any("error", err))
	}
	return nil
}

// backoff waits a few milliseconds, growing with attempt and jittered so
// competing writers spread out.
func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*time.Millisecond + time.Duration(rand.Int63n(int64(2*time.Millisecond)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}
	return nil
}

// daysElapsed returns whole days since last, or the full window when the
// wallet was never funded.
func daysElapsed(last *time.Time, now time.Time) int {
	if last == nil {
		return ledger.WalletWindowDays
	}
	return int(now.Sub(*last) / (24 * time.Hour))
}
