package resource

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hotspot-os/provisioner/types"
)

// Tracker keeps an in-memory registry of devices and image files that are
// currently attached or mounted through this process. A second attach of the
// same resource fails with ErrResourceBusy instead of racing the first one.
type Tracker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{held: map[string]struct{}{}}
}

// Acquire marks the resource as busy. Paths are cleaned before comparison so
// /dev/sda and /dev//sda count as the same resource.
func (t *Tracker) Acquire(path string) error {
	if t == nil {
		return nil
	}
	key := filepath.Clean(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[key]; ok {
		return fmt.Errorf("%s: %w", key, types.ErrResourceBusy)
	}
	t.held[key] = struct{}{}
	return nil
}

// Release frees the resource. Releasing a path that is not held is a no-op.
func (t *Tracker) Release(path string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, filepath.Clean(path))
}

func (t *Tracker) InUse(path string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[filepath.Clean(path)]
	return ok
}
