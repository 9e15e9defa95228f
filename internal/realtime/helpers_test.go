package realtime

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender is an in-memory Sender for exercising the registry and
// dispatcher without a WebSocket transport. Setting refuse simulates a
// slow or dead peer whose buffer rejects every frame.
type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	refuse bool
	closed bool
}

func (f *fakeSender) Enqueue(fr Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse || f.closed {
		return false
	}
	f.frames = append(f.frames, fr)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) Frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, fr.Event)
	}
	return out
}

func (f *fakeSender) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	return NewHub(cfg, zap.NewNop())
}

// assertIndexesConsistent verifies the registry-wide invariant: the set of
// connection ids in each secondary index equals the set derivable from the
// primary map.
func assertIndexesConsistent(t *testing.T, r *Registry) {
	t.Helper()

	r.mu.RLock()
	defer r.mu.RUnlock()

	wantUsers := make(map[string]map[string]bool)
	wantTenants := make(map[string]map[string]bool)
	wantChannels := make(map[Channel]map[string]bool)
	for id, conn := range r.conns {
		addWant(wantUsers, conn.Identity.UserID, id.String())
		addWant(wantTenants, conn.Identity.TenantID, id.String())
		for ch := range conn.channels {
			addWant(wantChannels, ch, id.String())
		}
	}

	require.Equal(t, wantUsers, flatten(r.byUser), "by-user index diverged from primary map")
	require.Equal(t, wantTenants, flatten(r.byTenant), "by-tenant index diverged from primary map")
	require.Equal(t, wantChannels, flatten(r.byChannel), "by-channel index diverged from primary map")
}

func addWant[K comparable](m map[K]map[string]bool, key K, id string) {
	if m[key] == nil {
		m[key] = make(map[string]bool)
	}
	m[key][id] = true
}

func flatten[K comparable](index map[K]map[uuid.UUID]*Connection) map[K]map[string]bool {
	out := make(map[K]map[string]bool)
	for key, set := range index {
		for id := range set {
			addWant(out, key, id.String())
		}
	}
	return out
}
