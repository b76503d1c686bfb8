package ledger

import (
	"fmt"
	"time"
)

// Change is one account write needed to turn a loaded collection into an
// updated one. Before is nil for a new account and After is nil for a
// removed one.
type Change struct {
	Username string
	Position int // index in the updated collection, -1 for removals
	Before   *Account
	After    *Account
}

// Diff lists the accounts that were added, modified or removed between base
// and accounts. Unchanged accounts produce no Change.
func Diff(base, accounts []Account) []Change {
	var changes []Change
	seen := make(map[string]struct{}, len(accounts))
	for i := range accounts {
		after := accounts[i]
		seen[after.Username] = struct{}{}

		j, ok := FindByUsername(base, after.Username)
		if !ok {
			changes = append(changes, Change{Username: after.Username, Position: i, After: &after})
			continue
		}
		before := base[j]
		if !before.Equal(after) {
			changes = append(changes, Change{Username: after.Username, Position: i, Before: &before, After: &after})
		}
	}
	for i := range base {
		if _, ok := seen[base[i].Username]; ok {
			continue
		}
		before := base[i]
		changes = append(changes, Change{Username: before.Username, Position: -1, Before: &before})
	}
	return changes
}

// Apply checks that every change still matches current and returns current
// with the changes applied. New accounts are appended in position order.
// It fails with ErrStorageConflict, leaving current untouched, when an
// account was changed by someone else since the changes were computed.
func Apply(current []Account, changes []Change) ([]Account, error) {
	out := make([]Account, len(current))
	copy(out, current)

	removed := make(map[string]struct{})
	for _, c := range changes {
		i, found := FindByUsername(out, c.Username)
		switch {
		case c.Before == nil && found:
			return nil, fmt.Errorf("%w: account %s was created concurrently", ErrStorageConflict, c.Username)
		case c.Before != nil && (!found || !out[i].Equal(*c.Before)):
			return nil, fmt.Errorf("%w: account %s was modified concurrently", ErrStorageConflict, c.Username)
		}

		switch {
		case c.After == nil:
			removed[c.Username] = struct{}{}
		case found:
			out[i] = *c.After
		default:
			out = append(out, *c.After)
		}
	}
	if len(removed) == 0 {
		return out, nil
	}

	kept := out[:0]
	for _, a := range out {
		if _, ok := removed[a.Username]; !ok {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// Equal reports whether two accounts hold the same state.
func (a Account) Equal(b Account) bool {
	return a.Username == b.Username &&
		a.Balance.Equal(b.Balance) &&
		a.Wallet.Equal(b.Wallet) &&
		sameTime(a.LastAdded, b.LastAdded)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
