package wallet

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("wallet: amount must be positive")

var (
	_ Gateway        = (*MemoryGateway)(nil)
	_ BalanceWatcher = (*MemoryGateway)(nil)
)

// MemoryGateway 内存钱包，用于本地开发与测试
type MemoryGateway struct {
	mu       sync.Mutex
	share    decimal.Decimal
	balances map[string]decimal.Decimal
	earnings map[string]decimal.Decimal
	debits   map[string]DebitResult
	credits  map[string]decimal.Decimal
	watchers map[string]map[int]chan decimal.Decimal
	nextID   int
}

// NewMemoryGateway 创建内存钱包，creatorShare 为主播分成比例（0-1）
func NewMemoryGateway(creatorShare decimal.Decimal) *MemoryGateway {
	return &MemoryGateway{
		share:    creatorShare,
		balances: make(map[string]decimal.Decimal),
		earnings: make(map[string]decimal.Decimal),
		debits:   make(map[string]DebitResult),
		credits:  make(map[string]decimal.Decimal),
		watchers: make(map[string]map[int]chan decimal.Decimal),
	}
}

// SetBalance 直接设置余额
func (g *MemoryGateway) SetBalance(userID string, amount decimal.Decimal) {
	g.mu.Lock()
	prev := g.balances[userID]
	g.balances[userID] = amount
	if amount.GreaterThan(prev) {
		g.notifyLocked(userID, amount)
	}
	g.mu.Unlock()
}

// TopUp 充值并通知余额监听者
func (g *MemoryGateway) TopUp(userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.balances[userID].Add(amount)
	g.balances[userID] = next
	g.notifyLocked(userID, next)
	return next, nil
}

func (g *MemoryGateway) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[userID], nil
}

// CheckAndDebit 原子地校验并扣款，同一幂等键只扣一次
func (g *MemoryGateway) CheckAndDebit(_ context.Context, userID string, amount decimal.Decimal, key string) (DebitResult, error) {
	if !amount.IsPositive() {
		return DebitResult{}, ErrInvalidAmount
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.debits[key]; ok {
		prior.Replayed = true
		return prior, nil
	}

	balance := g.balances[userID]
	if balance.LessThan(amount) {
		return DebitResult{Debited: false, Remaining: balance}, nil
	}

	remaining := balance.Sub(amount)
	g.balances[userID] = remaining
	res := DebitResult{Debited: true, Remaining: remaining}
	g.debits[key] = res
	return res, nil
}

// CreditCreator 按分成比例记入主播收益
func (g *MemoryGateway) CreditCreator(_ context.Context, creatorID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if earned, ok := g.credits[key]; ok {
		return earned, nil
	}
	earned := amount.Mul(g.share).Round(4)
	g.earnings[creatorID] = g.earnings[creatorID].Add(earned)
	g.credits[key] = earned
	return earned, nil
}

// Earnings 返回主播累计收益
func (g *MemoryGateway) Earnings(creatorID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.earnings[creatorID]
}

func (g *MemoryGateway) WatchBalance(userID string) (<-chan decimal.Decimal, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	id := g.nextID
	ch := make(chan decimal.Decimal, 1)
	if g.watchers[userID] == nil {
		g.watchers[userID] = make(map[int]chan decimal.Decimal)
	}
	g.watchers[userID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.watchers[userID], id)
			if len(g.watchers[userID]) == 0 {
				delete(g.watchers, userID)
			}
			g.mu.Unlock()
		})
	}
	return ch, cancel
}

// notifyLocked keeps only the latest balance in each watcher's slot.
func (g *MemoryGateway) notifyLocked(userID string, balance decimal.Decimal) {
	for _, ch := range g.watchers[userID] {
		select {
		case ch <- balance:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- balance:
			default:
			}
		}
	}
}
