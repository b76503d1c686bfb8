package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WalletCap is the most a wallet may hold inside one funding window.
var WalletCap = decimal.NewFromInt(100)

// WalletWindowDays is the length of the wallet funding window in whole days.
const WalletWindowDays = 30

// TimestampLayout renders entry times the way the transaction log stores them.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func init() {
	// Amounts travel as JSON numbers, matching the on-disk ledger format.
	decimal.MarshalJSONWithoutQuotes = true
}

// Account represents one user's ledger record
type Account struct {
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	Wallet    decimal.Decimal `json:"wallet"`
	LastAdded *time.Time      `json:"lastAdded"` // nil until the first wallet top-up
}

// NewAccount returns a zero-balance account that has never funded its wallet.
func NewAccount(username string) Account {
	return Account{
		Username: username,
		Balance:  decimal.Zero,
		Wallet:   decimal.Zero,
	}
}

// Entry is a single transaction log record
type Entry struct {
	Time    time.Time
	Message string
}

// String formats the entry as "<timestamp> - <message>".
func (e Entry) String() string {
	return fmt.Sprintf("%s - %s", e.Time.UTC().Format(TimestampLayout), e.Message)
}

// Store defines the durable account collection. Every mutation is a full
// LoadAll -> change in memory -> SaveAll cycle. SaveAll is a compare-and-swap
// against the collection the cycle started from, so writers in different
// processes cannot discard each other's updates.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	// LoadAll returns every account in insertion order.
	LoadAll(ctx context.Context) ([]Account, error)
	// SaveAll turns the stored collection from base, as returned by LoadAll,
	// into accounts. Only the accounts that differ are written, all or
	// nothing. If any of them no longer matches base in the store, SaveAll
	// writes nothing and fails with ErrStorageConflict.
	SaveAll(ctx context.Context, base, accounts []Account) error
	// Export returns the stored ledger state for external inspection.
	Export(ctx context.Context) ([]byte, error)
}

// TransactionLog defines the append-only audit trail
type TransactionLog interface {
	Initialize(ctx context.Context) error
	Close() error

	// Append adds one line to the end of the log.
	Append(ctx context.Context, entry Entry) error
	// Export returns the whole log as newline-delimited text in append order.
	Export(ctx context.Context) ([]byte, error)
}

// StoreFactory creates and configures a specific Store implementation
type StoreFactory interface {
	CreateStore(config map[string]interface{}) (Store, error)
}

// LogFactory creates and configures a specific TransactionLog implementation
type LogFactory interface {
	CreateLog(config map[string]interface{}) (TransactionLog, error)
}

// FindByUsername returns the index of the account named username.
func FindByUsername(accounts []Account, username string) (int, bool) {
	for i := range accounts {
		if accounts[i].Username == username {
			return i, true
		}
	}
	return -1, false
}

// FormatLog renders entries as newline-terminated log text.
func FormatLog(entries []Entry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, e.String()...)
		out = append(out, '\n')
	}
	return out
}
