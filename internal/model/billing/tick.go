package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeCharged           Outcome = "CHARGED"
	OutcomeInsufficientFunds Outcome = "INSUFFICIENT_FUNDS"
	OutcomeNoop              Outcome = "NOOP"
)

// NOOP reasons
const (
	ReasonPaused       = "stream paused"
	ReasonEnded        = "stream ended"
	ReasonNotLive      = "stream not live"
	ReasonUnknown      = "stream not found"
	ReasonDisconnected = "disconnected"
)

// Tick is the audit record of one successful window charge.
type Tick struct {
	StreamID         string          `json:"streamId"`
	ViewerID         string          `json:"viewerId"`
	WindowStart      time.Time       `json:"windowStart"`
	WindowEnd        time.Time       `json:"windowEnd"`
	TokensCharged    decimal.Decimal `json:"tokensCharged"`
	ModelEarned      decimal.Decimal `json:"modelEarned"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Result is what one ChargeTick call reports back to the caller.
type Result struct {
	Outcome    Outcome   `json:"outcome"`
	StreamID   string    `json:"streamId"`
	ViewerID   string    `json:"viewerId"`
	Window     time.Time `json:"windowStart"`
	Tick       *Tick     `json:"tick,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	LowBalance bool      `json:"lowBalance"`
	Replayed   bool      `json:"replayed,omitempty"`
	// Balance is the viewer balance observed for INSUFFICIENT_FUNDS results.
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

// IdempotencyKey identifies one billing window for one viewer on one stream.
func IdempotencyKey(viewerID, streamID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", viewerID, streamID, windowStart.Unix())
}

// WindowStart aligns t to the start of its billing window.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}
