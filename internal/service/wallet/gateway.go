// Package wallet defines the wallet contract the engine consumes and an in-memory
// gateway for local runs.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// DebitResult reports a check-and-debit. When Debited is false the balance was too low
// and nothing changed; Remaining is the balance after the call either way.
type DebitResult struct {
	Debited   bool            `json:"debited"`
	Remaining decimal.Decimal `json:"remaining"`
	Replayed  bool            `json:"replayed,omitempty"`
}

// Gateway is the wallet service contract. Calls carrying the same idempotency key apply once.
type Gateway interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	CheckAndDebit(ctx context.Context, userID string, amount decimal.Decimal, key string) (DebitResult, error)
	// CreditCreator books amount against the creator and returns what the creator earned
	// after the platform split.
	CreditCreator(ctx context.Context, creatorID string, amount decimal.Decimal, key string) (decimal.Decimal, error)
}

// BalanceWatcher is implemented by gateways that can push balance increases.
type BalanceWatcher interface {
	// WatchBalance delivers the new balance after each increase until cancel is called.
	WatchBalance(userID string) (updates <-chan decimal.Decimal, cancel func())
}
