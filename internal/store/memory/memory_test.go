package memory_test

import (
	"testing"

	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
	"github.com/zhouzirui/z-live/backend/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}
