package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pedro-hbl/gopher-ledger/internal/clock"
	"github.com/pedro-hbl/gopher-ledger/internal/metrics"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger/filestore"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory ledger.Store whose calls can be made to fail.
// conflicts makes that many SaveAll calls fail with ErrStorageConflict.
type memStore struct {
	mu        sync.Mutex
	accounts  []ledger.Account
	loadErr   error
	saveErr   error
	conflicts int
	saves     int
}

func (m *memStore) Initialize(ctx context.Context) error { return nil }
func (m *memStore) Close() error                         { return nil }

func (m *memStore) LoadAll(ctx context.Context) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]ledger.Account, len(m.accounts))
	copy(out, m.accounts)
	return out, nil
}

func (m *memStore) SaveAll(ctx context.Context, base, accounts []ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", ledger.ErrStorageConflict)
	}
	merged, err := ledger.Apply(m.accounts, ledger.Diff(base, accounts))
	if err != nil {
		return err
	}
	m.saves++
	m.accounts = merged
	return nil
}

func (m *memStore) Export(ctx context.Context) ([]byte, error) {
	return []byte(fmt.Sprintf("%d accounts", len(m.accounts))), nil
}

// memLog is an in-memory ledger.TransactionLog.
type memLog struct {
	mu        sync.Mutex
	entries   []ledger.Entry
	appendErr error
}

func (m *memLog) Initialize(ctx context.Context) error { return nil }
func (m *memLog) Close() error                         { return nil }

func (m *memLog) Append(ctx context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLog) Export(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.FormatLog(m.entries), nil
}

func (m *memLog) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Message)
	}
	return out
}

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newMemService(t *testing.T) (*Service, *memStore, *memLog, *clock.Manual) {
	t.Helper()
	store := &memStore{}
	txlog := &memLog{}
	clk := clock.NewManual(start)
	return NewService(store, txlog, WithClock(clk)), store, txlog, clk
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustCreate(t *testing.T, s *Service, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := s.CreateAccount(context.Background(), n); err != nil {
			t.Fatalf("CreateAccount(%s) err=%v", n, err)
		}
	}
}

func account(t *testing.T, s *Service, name string) ledger.Account {
	t.Helper()
	accounts, err := s.ListAccounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	i, ok := ledger.FindByUsername(accounts, name)
	if !ok {
		t.Fatalf("account %s missing", name)
	}
	return accounts[i]
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)

	a, err := s.CreateAccount(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if a.Username != "x" || !a.Balance.IsZero() || !a.Wallet.IsZero() || a.LastAdded != nil {
		t.Fatalf("unexpected new account: %+v", a)
	}

	if _, err := s.CreateAccount(ctx, "x"); !errors.Is(err, ledger.ErrDuplicateUser) {
		t.Fatalf("want ErrDuplicateUser, got %v", err)
	}
	if len(store.accounts) != 1 {
		t.Fatalf("collection size=%d want 1", len(store.accounts))
	}
	if _, err := s.CreateAccount(ctx, ""); !errors.Is(err, ledger.ErrInvalidUsername) {
		t.Fatalf("want ErrInvalidUsername, got %v", err)
	}
	if len(txlog.entries) != 0 {
		t.Fatalf("creation should not be logged: %v", txlog.messages())
	}
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	s, _, txlog, _ := newMemService(t)
	mustCreate(t, s, "a")

	if err := s.Deposit(ctx, "a", dec("12.50")); err != nil {
		t.Fatal(err)
	}
	if got := account(t, s, "a").Balance; !got.Equal(dec("12.5")) {
		t.Fatalf("balance=%s want 12.5", got)
	}
	if msgs := txlog.messages(); !reflect.DeepEqual(msgs, []string{"Deposited 12.5 to a"}) {
		t.Fatalf("log=%v", msgs)
	}
	if !txlog.entries[0].Time.Equal(start) {
		t.Fatalf("entry time=%v want clock time %v", txlog.entries[0].Time, start)
	}
}

func TestDepositUnknownUserLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "a")
	savesBefore := store.saves

	if err := s.Deposit(ctx, "ghost", dec("10")); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
	if store.saves != savesBefore {
		t.Fatal("store was written for an unknown user")
	}
	if len(txlog.entries) != 0 {
		t.Fatalf("log appended: %v", txlog.messages())
	}
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "a", "b")
	savesBefore := store.saves

	for _, amt := range []string{"0", "-5", "-0.01"} {
		if err := s.Deposit(ctx, "a", dec(amt)); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("Deposit(%s) err=%v", amt, err)
		}
		if err := s.Transfer(ctx, "a", "b", dec(amt)); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("Transfer(%s) err=%v", amt, err)
		}
		if err := s.AddToWallet(ctx, "a", dec(amt)); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("AddToWallet(%s) err=%v", amt, err)
		}
	}
	if store.saves != savesBefore || len(txlog.entries) != 0 {
		t.Fatal("invalid amounts must not mutate or log")
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	s, _, txlog, _ := newMemService(t)
	mustCreate(t, s, "A", "B")
	if err := s.Deposit(ctx, "A", dec("100")); err != nil {
		t.Fatal(err)
	}
	logged := len(txlog.entries)

	if err := s.Transfer(ctx, "A", "B", dec("40")); err != nil {
		t.Fatal(err)
	}
	if a := account(t, s, "A").Balance; !a.Equal(dec("60")) {
		t.Fatalf("A=%s want 60", a)
	}
	if b := account(t, s, "B").Balance; !b.Equal(dec("40")) {
		t.Fatalf("B=%s want 40", b)
	}
	msgs := txlog.messages()[logged:]
	if !reflect.DeepEqual(msgs, []string{"Transferred 40 from A to B"}) {
		t.Fatalf("new log lines=%v", msgs)
	}
}

func TestTransferFailures(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "A", "B")
	if err := s.Deposit(ctx, "A", dec("10")); err != nil {
		t.Fatal(err)
	}
	savesBefore, logged := store.saves, len(txlog.entries)

	tests := []struct {
		name     string
		from, to string
		amount   string
		want     error
	}{
		{"missing sender", "ghost", "B", "1", ledger.ErrUserNotFound},
		{"missing receiver", "A", "ghost", "1", ledger.ErrUserNotFound},
		{"insufficient", "A", "B", "10.01", ledger.ErrInsufficientFunds},
		{"empty sender", "B", "A", "1", ledger.ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Transfer(ctx, tc.from, tc.to, dec(tc.amount)); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
	if store.saves != savesBefore || len(txlog.entries) != logged {
		t.Fatal("failed transfers must not mutate or log")
	}

	// the whole balance may be moved
	if err := s.Transfer(ctx, "A", "B", dec("10")); err != nil {
		t.Fatalf("exact-balance transfer err=%v", err)
	}
	if a := account(t, s, "A").Balance; !a.IsZero() {
		t.Fatalf("A=%s want 0", a)
	}
}

func TestSelfTransferIsNetNoOp(t *testing.T) {
	ctx := context.Background()
	s, _, txlog, _ := newMemService(t)
	mustCreate(t, s, "A")
	_ = s.Deposit(ctx, "A", dec("5"))

	if err := s.Transfer(ctx, "A", "A", dec("5")); err != nil {
		t.Fatal(err)
	}
	if a := account(t, s, "A").Balance; !a.Equal(dec("5")) {
		t.Fatalf("A=%s want 5", a)
	}
	if msgs := txlog.messages(); msgs[len(msgs)-1] != "Transferred 5 from A to A" {
		t.Fatalf("log=%v", msgs)
	}
}

func TestWalletMonthlyCap(t *testing.T) {
	ctx := context.Background()
	s, _, txlog, clk := newMemService(t)
	mustCreate(t, s, "u")

	// never funded: window treated as elapsed
	if err := s.AddToWallet(ctx, "u", dec("90")); err != nil {
		t.Fatal(err)
	}
	if w, _ := s.WalletBalance(ctx, "u"); !w.Equal(dec("90")) {
		t.Fatalf("wallet=%s want 90", w)
	}

	err := s.AddToWallet(ctx, "u", dec("20"))
	if !errors.Is(err, ledger.ErrWalletCapExceeded) {
		t.Fatalf("want ErrWalletCapExceeded, got %v", err)
	}
	if w, _ := s.WalletBalance(ctx, "u"); !w.Equal(dec("90")) {
		t.Fatalf("rejected top-up changed wallet to %s", w)
	}

	clk.Advance(31 * 24 * time.Hour)
	if err := s.AddToWallet(ctx, "u", dec("50")); err != nil {
		t.Fatal(err)
	}
	a := account(t, s, "u")
	if !a.Wallet.Equal(dec("50")) {
		t.Fatalf("wallet=%s want 50 after reset", a.Wallet)
	}
	if a.LastAdded == nil || !a.LastAdded.Equal(clk.Now()) {
		t.Fatalf("lastAdded=%v want %v", a.LastAdded, clk.Now())
	}

	want := []string{"Added 90 to u's wallet", "Added 50 to u's wallet"}
	if msgs := txlog.messages(); !reflect.DeepEqual(msgs, want) {
		t.Fatalf("log=%v want %v", msgs, want)
	}
}

func TestWalletCapBoundary(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newMemService(t)
	mustCreate(t, s, "u")

	if err := s.AddToWallet(ctx, "u", dec("60")); err != nil {
		t.Fatal(err)
	}
	// reaching exactly the cap is allowed
	if err := s.AddToWallet(ctx, "u", dec("40")); err != nil {
		t.Fatalf("wallet may reach exactly 100: %v", err)
	}
	if err := s.AddToWallet(ctx, "u", dec("0.01")); !errors.Is(err, ledger.ErrWalletCapExceeded) {
		t.Fatalf("want ErrWalletCapExceeded, got %v", err)
	}
}

func TestWalletWindowEdges(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newMemService(t)
	mustCreate(t, s, "u")
	if err := s.AddToWallet(ctx, "u", dec("100")); err != nil {
		t.Fatal(err)
	}

	// 29 whole days and change: still inside the window
	clk.Advance(30*24*time.Hour - time.Second)
	if err := s.AddToWallet(ctx, "u", dec("1")); !errors.Is(err, ledger.ErrWalletCapExceeded) {
		t.Fatalf("window should still be open: %v", err)
	}

	// exactly 30 days: window elapsed, wallet resets even though 1 would fit
	clk.Advance(time.Second)
	if err := s.AddToWallet(ctx, "u", dec("1")); err != nil {
		t.Fatal(err)
	}
	if w, _ := s.WalletBalance(ctx, "u"); !w.Equal(dec("1")) {
		t.Fatalf("wallet=%s want 1", w)
	}
}

func TestWalletTopUpSlidesWindow(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newMemService(t)
	mustCreate(t, s, "u")

	_ = s.AddToWallet(ctx, "u", dec("10"))
	clk.Advance(20 * 24 * time.Hour)
	if err := s.AddToWallet(ctx, "u", dec("10")); err != nil {
		t.Fatal(err)
	}
	// 20 days after the second top-up is 40 after the first, but the window
	// is measured from the most recent one
	clk.Advance(20 * 24 * time.Hour)
	if err := s.AddToWallet(ctx, "u", dec("85")); !errors.Is(err, ledger.ErrWalletCapExceeded) {
		t.Fatalf("want ErrWalletCapExceeded, got %v", err)
	}
}

func TestWalletBalanceIsWalletField(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newMemService(t)
	mustCreate(t, s, "u")
	_ = s.Deposit(ctx, "u", dec("500"))
	_ = s.AddToWallet(ctx, "u", dec("7"))

	w, err := s.WalletBalance(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Equal(dec("7")) {
		t.Fatalf("WalletBalance=%s want wallet 7, not balance", w)
	}
	if _, err := s.WalletBalance(ctx, "ghost"); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
	if err := s.AddToWallet(ctx, "ghost", dec("1")); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestListAccountsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newMemService(t)
	mustCreate(t, s, "b", "a")
	_ = s.Deposit(ctx, "a", dec("3"))

	first, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ListAccounts not idempotent:\n%+v\n%+v", first, second)
	}
	if first[0].Username != "b" || first[1].Username != "a" {
		t.Fatalf("insertion order lost: %+v", first)
	}
}

func TestStorageFailuresAbortBeforeMutation(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "a")

	store.loadErr = fmt.Errorf("%w: disk gone", ledger.ErrStorageUnavailable)
	if err := s.Deposit(ctx, "a", dec("1")); !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.ListAccounts(ctx); !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	store.loadErr = fmt.Errorf("%w: bad json", ledger.ErrStorageCorrupt)
	if _, err := s.CreateAccount(ctx, "b"); !errors.Is(err, ledger.ErrStorageCorrupt) {
		t.Fatalf("want ErrStorageCorrupt, got %v", err)
	}
	store.loadErr = nil

	store.saveErr = fmt.Errorf("%w: read-only", ledger.ErrStorageUnavailable)
	if err := s.Deposit(ctx, "a", dec("1")); !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	store.saveErr = nil

	if len(txlog.entries) != 0 {
		t.Fatalf("failed saves must not be logged: %v", txlog.messages())
	}
	if b := account(t, s, "a").Balance; !b.IsZero() {
		t.Fatalf("balance=%s want 0", b)
	}
}

func TestLogAppendFailureIsWarningNotError(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	txlog := &memLog{appendErr: fmt.Errorf("%w: log disk full", ledger.ErrStorageUnavailable)}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	collector := metrics.NewCollector()
	s := NewService(store, txlog, WithLogger(logger), WithMetrics(collector), WithClock(clock.NewManual(start)))
	mustCreate(t, s, "a")

	if err := s.Deposit(ctx, "a", dec("5")); err != nil {
		t.Fatalf("deposit should succeed despite log failure: %v", err)
	}
	if b := account(t, s, "a").Balance; !b.Equal(dec("5")) {
		t.Fatalf("balance=%s want 5", b)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "Deposited 5 to a") {
		t.Fatalf("expected warning with entry, got %q", out)
	}
	if collector.Counter(metrics.LogAppendFailures) != 1 {
		t.Fatalf("logAppendFailures=%d want 1", collector.Counter(metrics.LogAppendFailures))
	}
}

func TestOperationsAreMeasured(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newMemService(t)
	mustCreate(t, s, "a", "b")
	_ = s.Deposit(ctx, "a", dec("5"))
	_ = s.Transfer(ctx, "a", "b", dec("1"))
	_ = s.AddToWallet(ctx, "a", dec("1"))
	_, _ = s.WalletBalance(ctx, "a")
	_, _ = s.ExportLedger(ctx)
	_, _ = s.ExportTransactions(ctx)

	m := s.Metrics()
	for opType, want := range map[metrics.OperationType]int64{
		metrics.CreateOperation:   2,
		metrics.DepositOperation:  1,
		metrics.TransferOperation: 1,
		metrics.WalletOperation:   1,
		metrics.QueryOperation:    1,
		metrics.ExportOperation:   2,
	} {
		if got := m.Count(opType); got != want {
			t.Fatalf("%s count=%d want %d", opType, got, want)
		}
	}
}

func TestFileBackedFlowAndExports(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := filestore.NewFileStore(filepath.Join(dir, filestore.DefaultLedgerFile))
	txlog := filestore.NewFileLog(filepath.Join(dir, filestore.DefaultLogFile))
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC))
	s := NewService(store, txlog, WithClock(clk))

	mustCreate(t, s, "A", "B")
	if err := s.Deposit(ctx, "A", dec("100")); err != nil {
		t.Fatal(err)
	}
	if err := s.Transfer(ctx, "A", "B", dec("40")); err != nil {
		t.Fatal(err)
	}

	raw, err := s.ExportLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"username":"A","balance":60,"wallet":0,"lastAdded":null},{"username":"B","balance":40,"wallet":0,"lastAdded":null}]`
	if string(raw) != want {
		t.Fatalf("ledger=%s want %s", raw, want)
	}

	logText, err := s.ExportTransactions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantLog := "2024-02-03T04:05:06.000Z - Deposited 100 to A\n" +
		"2024-02-03T04:05:06.000Z - Transferred 40 from A to B\n"
	if string(logText) != wantLog {
		t.Fatalf("log=%q want %q", logText, wantLog)
	}
}

func TestConcurrentMutationsLoseNoUpdate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := filestore.NewFileStore(filepath.Join(dir, filestore.DefaultLedgerFile))
	txlog := filestore.NewFileLog(filepath.Join(dir, filestore.DefaultLogFile))
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	s := NewService(store, txlog)

	const workers = 40
	var wg sync.WaitGroup
	wg.Add(2 * workers)
	mustCreate(t, s, "shared")
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := s.Deposit(ctx, "shared", dec("1")); err != nil {
				t.Errorf("deposit: %v", err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			if _, err := s.CreateAccount(ctx, fmt.Sprintf("user-%d", i)); err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != workers+1 {
		t.Fatalf("accounts=%d want %d", len(accounts), workers+1)
	}
	if b := account(t, s, "shared").Balance; !b.Equal(decimal.NewFromInt(workers)) {
		t.Fatalf("balance=%s want %d", b, workers)
	}
	logText, _ := s.ExportTransactions(ctx)
	if n := strings.Count(string(logText), "\n"); n != workers {
		t.Fatalf("log lines=%d want %d", n, workers)
	}
}

func TestConflictingSaveIsRetried(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "a")

	store.conflicts = 2
	if err := s.Deposit(ctx, "a", dec("5")); err != nil {
		t.Fatalf("deposit after conflicts: %v", err)
	}
	if b := account(t, s, "a").Balance; !b.Equal(dec("5")) {
		t.Fatalf("balance=%s want 5", b)
	}
	if got := s.Metrics().Counter(metrics.SaveConflicts); got != 2 {
		t.Fatalf("saveConflicts=%d want 2", got)
	}
	if msgs := txlog.messages(); !reflect.DeepEqual(msgs, []string{"Deposited 5 to a"}) {
		t.Fatalf("log=%v", msgs)
	}
}

func TestConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	s, store, txlog, _ := newMemService(t)
	mustCreate(t, s, "a")

	store.conflicts = maxSaveAttempts
	if err := s.Deposit(ctx, "a", dec("5")); !errors.Is(err, ledger.ErrStorageConflict) {
		t.Fatalf("want ErrStorageConflict, got %v", err)
	}
	if b := account(t, s, "a").Balance; !b.IsZero() {
		t.Fatalf("balance=%s want 0", b)
	}
	if len(txlog.messages()) != 0 {
		t.Fatalf("failed deposit logged: %v", txlog.messages())
	}
}

func TestServicesSharingAStoreLoseNoUpdate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, filestore.DefaultLedgerFile)
	txlog := filestore.NewFileLog(filepath.Join(dir, filestore.DefaultLogFile))

	// two services with their own store handles, as two Lambda instances would have
	first := filestore.NewFileStore(ledgerPath)
	if err := first.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	services := []*Service{
		NewService(first, txlog),
		NewService(filestore.NewFileStore(ledgerPath), txlog),
	}
	mustCreate(t, services[0], "shared", "other")

	const perService = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, svc := range services {
		for i := 0; i < perService; i++ {
			wg.Add(1)
			go func(svc *Service, i int) {
				defer wg.Done()
				err := svc.Deposit(ctx, "shared", dec("1"))
				if i%5 == 0 {
					// disjoint updates ride along
					_ = svc.Deposit(ctx, "other", dec("1"))
				}
				if err != nil {
					if !errors.Is(err, ledger.ErrStorageConflict) {
						t.Errorf("deposit: %v", err)
					}
					return
				}
				mu.Lock()
				succeeded++
				mu.Unlock()
			}(svc, i)
		}
	}
	wg.Wait()

	if succeeded == 0 {
		t.Fatal("no deposit succeeded")
	}
	if b := account(t, services[1], "shared").Balance; !b.Equal(decimal.NewFromInt(int64(succeeded))) {
		t.Fatalf("%d successful deposits of 1 but balance=%s", succeeded, b)
	}
	logText, _ := services[0].ExportTransactions(ctx)
	if n := strings.Count(string(logText), "Deposited 1 to shared\n"); n != succeeded {
		t.Fatalf("log has %d deposits to shared, want %d", n, succeeded)
	}
}

func TestBalancesNeverNegative(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newMemService(t)
	mustCreate(t, s, "a", "b", "c")
	_ = s.Deposit(ctx, "a", dec("30"))

	steps := []func() error{
		func() error { return s.Transfer(ctx, "a", "b", dec("20")) },
		func() error { return s.Transfer(ctx, "a", "c", dec("20")) }, // rejected
		func() error { return s.Transfer(ctx, "b", "c", dec("20")) },
		func() error { return s.Transfer(ctx, "c", "a", dec("25")) }, // rejected
		func() error { return s.AddToWallet(ctx, "b", dec("100")) },
		func() error { clk.Advance(24 * time.Hour); return s.AddToWallet(ctx, "b", dec("1")) }, // rejected
	}
	for _, step := range steps {
		_ = step()
		accounts, err := s.ListAccounts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, a := range accounts {
			if a.Balance.IsNegative() || a.Wallet.IsNegative() {
				t.Fatalf("negative amounts: %+v", a)
			}
		}
	}
}
