package privatechat_test

import (
	"testing"
	"time"

	"github.com/zhouzirui/z-live/backend/internal/model/privatechat"
)

func TestEffectiveStatusExpiresLazily(t *testing.T) {
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	req := privatechat.ChatRequest{Status: privatechat.StatusPending, CreatedAt: created}

	if got := req.EffectiveStatus(created.Add(6*24*time.Hour), privatechat.DefaultRequestTTL); got != privatechat.StatusPending {
		t.Fatalf("expected PENDING before ttl, got %s", got)
	}
	if got := req.EffectiveStatus(created.Add(8*24*time.Hour), privatechat.DefaultRequestTTL); got != privatechat.StatusExpired {
		t.Fatalf("expected EXPIRED after ttl, got %s", got)
	}

	req.Status = privatechat.StatusAccepted
	if got := req.EffectiveStatus(created.Add(30*24*time.Hour), privatechat.DefaultRequestTTL); got != privatechat.StatusAccepted {
		t.Fatalf("accepted requests never expire, got %s", got)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[privatechat.RequestStatus][]privatechat.RequestStatus{
		privatechat.StatusNone:    {privatechat.StatusPending},
		privatechat.StatusPending: {privatechat.StatusAccepted, privatechat.StatusRejected, privatechat.StatusExpired},
	}
	all := []privatechat.RequestStatus{
		privatechat.StatusNone, privatechat.StatusPending, privatechat.StatusAccepted,
		privatechat.StatusRejected, privatechat.StatusExpired,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Fatalf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}
