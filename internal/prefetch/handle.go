package prefetch

import (
	"sync"

	"github.com/google/uuid"

	"github.com/abelbrown/photoframe/internal/media"
)

// Handle is a leased in-memory copy of one item's bytes.
// After Release, Bytes returns nil.
type Handle struct {
	Item      media.Item
	Lease     uuid.UUID
	FromCache bool

	mu       sync.RWMutex
	data     []byte
	released bool
}

func newHandle(item media.Item, data []byte, fromCache bool) *Handle {
	return &Handle{
		Item:      item,
		Lease:     uuid.New(),
		FromCache: fromCache,
		data:      data,
	}
}

// ItemID returns the id of the item this handle holds.
func (h *Handle) ItemID() string {
	return h.Item.ID
}

// Bytes returns the held bytes, or nil once released.
func (h *Handle) Bytes() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data
}

// Size returns the number of held bytes.
func (h *Handle) Size() int {
	return len(h.Bytes())
}

// Release drops the reference to the bytes. It reports whether this call
// performed the release; later calls are no-ops.
func (h *Handle) Release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	h.data = nil
	return true
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}
