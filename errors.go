package listcache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoFetcher is returned by Load when the cache was built without a Fetcher.
	ErrNoFetcher = errors.New("listcache: no fetcher configured")

	// ErrNoWriter is returned by Create/Update/Delete when the cache was built
	// without a Writer.
	ErrNoWriter = errors.New("listcache: no writer configured")

	// ErrUnresolvedID is returned when a mutation addresses a provisional id
	// that did not resolve to a server id within the resolve timeout.
	ErrUnresolvedID = errors.New("listcache: provisional id not resolved")
)

// FetchError wraps a fetcher rejection on the read-through path. The key is
// left uncached (never poisoned with partial data).
type FetchError struct {
	Page     int
	PageSize int
	Filters  FilterSet
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d (size %d) failed: %v", e.Page, e.PageSize, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InvalidateError reports that both the generation bump and the provider
// delete failed for a key, likely a backend outage. Either one alone keeps
// the cache coherent, so a single failure is only hooked and logged.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}

// SubOutcome is the result of one sub-write inside a multi-write mutation.
type SubOutcome struct {
	Name string
	Err  error // nil on success
}

func (o SubOutcome) Failed() bool { return o.Err != nil }

// PartialMutationError reports a multi-write mutation with at least one failed
// sub-write. It names every sub-operation and its outcome; effects of the
// succeeded sub-writes are confirmed state and stay in place, while each
// failed sub-write has already rolled back its own optimistic effects.
type PartialMutationError struct {
	Outcomes []SubOutcome
}

func (e *PartialMutationError) Error() string {
	var ok, failed []string
	for _, o := range e.Outcomes {
		if o.Failed() {
			failed = append(failed, fmt.Sprintf("%s: %v", o.Name, o.Err))
		} else {
			ok = append(ok, o.Name)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "mutation settled with %d/%d sub-writes failed", len(failed), len(e.Outcomes))
	if len(failed) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(failed, "; "))
	}
	if len(ok) > 0 {
		fmt.Fprintf(&b, " (succeeded: %s)", strings.Join(ok, ", "))
	}
	return b.String()
}

// Unwrap exposes the failed sub-write errors for errors.Is/As.
func (e *PartialMutationError) Unwrap() []error {
	var errs []error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Failed returns the outcomes that failed.
func (e *PartialMutationError) Failed() []SubOutcome {
	var out []SubOutcome
	for _, o := range e.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded returns the outcomes that completed.
func (e *PartialMutationError) Succeeded() []SubOutcome {
	var out []SubOutcome
	for _, o := range e.Outcomes {
		if !o.Failed() {
			out = append(out, o)
		}
	}
	return out
}
