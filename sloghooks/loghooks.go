package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/listcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	StaleFetchEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	staleFetchCtr atomic.Uint64
}

var _ listcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHealPage(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("listcache.self_heal_page",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StaleFetchDropped(storageKey string) {
	if h.l == nil || !sample(h.opts.StaleFetchEvery, &h.staleFetchCtr) {
		return
	}
	h.l.Debug("listcache.stale_fetch_dropped",
		"key", h.redact(storageKey))
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("listcache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) GenSnapshotError(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("listcache.gen_snapshot_error",
		"count", count,
		"err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("listcache.gen_bump_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("listcache.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) IdentityRewrite(storageKey string, items int) {
	if h.l == nil {
		return
	}
	h.l.Debug("listcache.identity_rewrite",
		"key", h.redact(storageKey),
		"items", items)
}

func (h *Hooks) RollbackApplied(op string, keys int) {
	if h.l == nil {
		return
	}
	h.l.Info("listcache.rollback_applied",
		"op", op,
		"keys", keys)
}

func (h *Hooks) PartialFailure(succeeded, failed int) {
	if h.l == nil {
		return
	}
	h.l.Error("listcache.partial_failure",
		"succeeded", succeeded,
		"failed", failed)
}

func (h *Hooks) RemoteGenLocalIndex() {
	if h.l == nil {
		return
	}
	h.l.Warn("listcache.remote_gen_local_index",
		"msg", "remote genstore with in-process key index; other replicas' pages are invalidated by generation only")
}
