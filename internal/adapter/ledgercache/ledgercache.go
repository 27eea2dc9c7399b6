// Package ledgercache decorates a ledger with a cache of terminal answers.
//
// Only answers that can never change once the ledger has recorded them are
// cached: an approved decision's lease ID, a denied decision, and a revoked
// lease. Negative answers (still pending, not revoked) always go to the
// ledger.
package ledgercache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/port/cache"
	"github.com/Strob0t/warden/internal/port/ledger"
)

var (
	_ ledger.Reader = (*Reader)(nil)
	_ ledger.Ledger = (*Ledger)(nil)
)

const (
	approvedPrefix = "decision:approved:"
	deniedPrefix   = "decision:denied:"
	revokedPrefix  = "lease:revoked:"
)

var marker = []byte{1}

// Reader serves terminal answers from the cache and falls back to the
// wrapped reader on a miss, backfilling the cache on a terminal result.
type Reader struct {
	ledger.Reader
	c   cache.Cache
	ttl time.Duration
}

// NewReader wraps r. A zero ttl keeps entries until evicted.
func NewReader(r ledger.Reader, c cache.Cache, ttl time.Duration) *Reader {
	return &Reader{Reader: r, c: c, ttl: ttl}
}

func (r *Reader) CheckDecisionApproved(ctx context.Context, id string) (string, error) {
	if v, ok := r.get(ctx, approvedPrefix+id); ok {
		return string(v), nil
	}
	leaseID, err := r.Reader.CheckDecisionApproved(ctx, id)
	if err != nil {
		return "", err
	}
	if leaseID != "" {
		r.set(ctx, approvedPrefix+id, []byte(leaseID))
	}
	return leaseID, nil
}

func (r *Reader) IsDecisionDenied(ctx context.Context, id string) (bool, error) {
	if _, ok := r.get(ctx, deniedPrefix+id); ok {
		return true, nil
	}
	denied, err := r.Reader.IsDecisionDenied(ctx, id)
	if err != nil {
		return false, err
	}
	if denied {
		r.set(ctx, deniedPrefix+id, marker)
	}
	return denied, nil
}

func (r *Reader) IsLeaseRevoked(ctx context.Context, id string) (bool, error) {
	if _, ok := r.get(ctx, revokedPrefix+id); ok {
		return true, nil
	}
	revoked, err := r.Reader.IsLeaseRevoked(ctx, id)
	if err != nil {
		return false, err
	}
	if revoked {
		r.set(ctx, revokedPrefix+id, marker)
	}
	return revoked, nil
}

// get treats cache failures as misses; the ledger stays authoritative.
func (r *Reader) get(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := r.c.Get(ctx, key)
	if err != nil {
		slog.Warn("ledger cache get failed", "key", key, "error", err)
		return nil, false
	}
	return v, ok
}

func (r *Reader) set(ctx context.Context, key string, v []byte) {
	if err := r.c.Set(ctx, key, v, r.ttl); err != nil {
		slog.Warn("ledger cache set failed", "key", key, "error", err)
	}
}

// Ledger is a full ledger whose terminal reads go through a Reader and
// whose successful writes prime the cache.
type Ledger struct {
	ledger.Ledger
	reader *Reader
}

// Wrap decorates l with a terminal-answer cache.
func Wrap(l ledger.Ledger, c cache.Cache, ttl time.Duration) *Ledger {
	return &Ledger{Ledger: l, reader: NewReader(l, c, ttl)}
}

func (l *Ledger) CheckDecisionApproved(ctx context.Context, id string) (string, error) {
	return l.reader.CheckDecisionApproved(ctx, id)
}

func (l *Ledger) IsDecisionDenied(ctx context.Context, id string) (bool, error) {
	return l.reader.IsDecisionDenied(ctx, id)
}

func (l *Ledger) IsLeaseRevoked(ctx context.Context, id string) (bool, error) {
	return l.reader.IsLeaseRevoked(ctx, id)
}

func (l *Ledger) RecordDecision(ctx context.Context, d *authority.Decision) (string, error) {
	id, err := l.Ledger.RecordDecision(ctx, d)
	if err != nil {
		return "", err
	}
	if d.Status == authority.StatusDenied {
		l.reader.set(ctx, deniedPrefix+id, marker)
	}
	return id, nil
}

func (l *Ledger) ResolveDecision(ctx context.Context, id string, res authority.Resolution) (*authority.Lease, error) {
	lease, err := l.Ledger.ResolveDecision(ctx, id, res)
	if err != nil {
		return nil, err
	}
	if lease != nil {
		l.reader.set(ctx, approvedPrefix+id, []byte(lease.ID))
	} else {
		l.reader.set(ctx, deniedPrefix+id, marker)
	}
	return lease, nil
}

func (l *Ledger) RevokeLease(ctx context.Context, id string, rev authority.Revocation) (*authority.RevocationRecord, error) {
	rec, err := l.Ledger.RevokeLease(ctx, id, rev)
	if err != nil {
		return nil, err
	}
	l.reader.set(ctx, revokedPrefix+id, marker)
	return rec, nil
}
