package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Registry maps temporary ids to the real ids the remote store eventually
// assigns. It is safe for concurrent use and scoped to one authenticated
// session; call Reset at the session boundary.
//
// A temp id is Pending until RegisterRealID records its mapping, which is the
// terminal state. There is no failed state: when the server write fails the
// caller discards the temp id and undoes its own optimistic effects.
type Registry struct {
	mu      sync.Mutex
	realOf  map[string]ID // temp value -> real id
	tempOf  map[string]ID // real value -> temp id
	waiters map[string][]chan ID

	salt string
	seq  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		realOf:  make(map[string]ID),
		tempOf:  make(map[string]ID),
		waiters: make(map[string][]chan ID),
		salt:    newSalt(),
	}
}

func newSalt() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to a fixed tag; seq alone still separates ids in-process
		return "0000"
	}
	return hex.EncodeToString(b[:])
}

// TempID returns a fresh placeholder id tagged with the entity kind.
// Values are unique per registry; the kind tag is for debugging only.
func (r *Registry) TempID(kind string) ID {
	if kind == "" {
		kind = "entity"
	}
	r.mu.Lock()
	r.seq++
	n := r.seq
	r.mu.Unlock()
	return ID{Value: fmt.Sprintf("temp:%s:%s-%d", kind, r.salt, n), Temp: true}
}

// RegisterRealID records the temp -> real mapping and resolves every pending
// waiter for that temp id. Registering an already-mapped temp id (or a real id
// already claimed by another temp id) is a silent no-op, so the mapping is
// write-once in both directions. Malformed input (temp not temporary, real
// temporary or zero) is ignored.
func (r *Registry) RegisterRealID(temp, real ID) {
	if !temp.Temp || real.Temp || real.IsZero() {
		return
	}

	r.mu.Lock()
	if _, dup := r.realOf[temp.Value]; dup {
		r.mu.Unlock()
		return
	}
	if _, dup := r.tempOf[real.Value]; dup {
		r.mu.Unlock()
		return
	}
	r.realOf[temp.Value] = real
	r.tempOf[real.Value] = temp
	ws := r.waiters[temp.Value]
	delete(r.waiters, temp.Value)
	r.mu.Unlock()

	// channels are buffered; sends never block
	for _, ch := range ws {
		ch <- real
	}
}

// Resolve returns the real id mapped to the input, or the input unchanged when
// no mapping exists (including for real ids). Safe to call on any id.
func (r *Registry) Resolve(id ID) ID {
	if !id.Temp {
		return id
	}
	r.mu.Lock()
	real, ok := r.realOf[id.Value]
	r.mu.Unlock()
	if !ok {
		return id
	}
	return real
}

// TempOf returns the temp id that was reconciled to the given real id.
func (r *Registry) TempOf(real ID) (ID, bool) {
	if real.Temp {
		return ID{}, false
	}
	r.mu.Lock()
	temp, ok := r.tempOf[real.Value]
	r.mu.Unlock()
	return temp, ok
}

// AwaitRealID blocks until the temp id resolves, the timeout elapses, or ctx
// is done. It returns (realID, true) on resolution and (zero, false) on
// timeout or cancellation; absence is a defined result, not an error.
// A non-positive timeout degrades to the immediate check. Any number of
// concurrent waiters on one temp id are all satisfied by a single
// RegisterRealID call.
func (r *Registry) AwaitRealID(ctx context.Context, temp ID, timeout time.Duration) (ID, bool) {
	if !temp.Temp {
		// already a real id; nothing to wait for
		return temp, true
	}

	r.mu.Lock()
	if real, ok := r.realOf[temp.Value]; ok {
		r.mu.Unlock()
		return real, true
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return ID{}, false
	}
	ch := make(chan ID, 1)
	r.waiters[temp.Value] = append(r.waiters[temp.Value], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case real := <-ch:
		if real.IsZero() {
			// Reset discarded the waiter list
			return ID{}, false
		}
		return real, true
	case <-timer.C:
	case <-ctx.Done():
	}

	r.dropWaiter(temp.Value, ch)
	// a registration may have raced the timeout; prefer it over absence
	select {
	case real := <-ch:
		if !real.IsZero() {
			return real, true
		}
	default:
	}
	return ID{}, false
}

func (r *Registry) dropWaiter(tempValue string, ch chan ID) {
	r.mu.Lock()
	ws := r.waiters[tempValue]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(r.waiters, tempValue)
	} else {
		r.waiters[tempValue] = ws
	}
	r.mu.Unlock()
}

// Reset clears all mappings and resolves every pending waiter to absent.
// Session boundary only; pair it with clearing the page caches so no identity
// leaks into the next session.
func (r *Registry) Reset() {
	r.mu.Lock()
	var ws []chan ID
	for _, list := range r.waiters {
		ws = append(ws, list...)
	}
	r.realOf = make(map[string]ID)
	r.tempOf = make(map[string]ID)
	r.waiters = make(map[string][]chan ID)
	r.mu.Unlock()

	for _, ch := range ws {
		ch <- ID{}
	}
}
