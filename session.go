package listcache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/listcache/identity"
)

// Clearer is the part of Cache a session boundary needs. Every Cache
// implements it.
type Clearer interface {
	Clear(ctx context.Context) error
}

// EndSession resets the shared identity registry and clears every given
// cache. Call it on logout or account switch; a provisional id must never
// survive into a session it was not minted in. The registry resets first so
// pending waiters resolve to absent instead of blocking through the boundary.
// Clears run best-effort and failures are joined.
func EndSession(ctx context.Context, reg *identity.Registry, caches ...Clearer) error {
	if reg != nil {
		reg.Reset()
	}
	var errs []error
	for _, cc := range caches {
		if cc == nil {
			continue
		}
		if err := cc.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
