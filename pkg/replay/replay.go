package replay

import (
	"context"
	"errors"
	"time"

	"warden/pkg/clock"
	"warden/pkg/models"
	"warden/pkg/store"
)

// ErrRetentionTooShort rejects configurations where a captured message could
// outlive its nonce record: with retention <= 2x tolerance an attacker can
// wait for the nonce to be evicted and replay the message while its timestamp
// is still within tolerance.
var ErrRetentionTooShort = errors.New("replay: retention must exceed twice the timestamp tolerance")

type Result struct {
	Accepted bool
	Reason   string
}

// Guard rejects stale or repeated (nonce, timestamp) pairs. Nonce records
// live in the durable store so replay history survives restarts.
type Guard struct {
	store     store.Cache
	clock     clock.Clock
	tolerance time.Duration
	retention time.Duration
	prefix    string
}

func New(cache store.Cache, clk clock.Clock, tolerance, retention time.Duration) (*Guard, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if tolerance <= 0 || retention <= 0 {
		return nil, ErrRetentionTooShort
	}
	if retention <= 2*tolerance {
		return nil, ErrRetentionTooShort
	}
	return &Guard{
		store:     cache,
		clock:     clk,
		tolerance: tolerance,
		retention: retention,
		prefix:    "nonce:",
	}, nil
}

// CheckAndRecord validates timestamp freshness, then claims the nonce with
// SetNX under the retention TTL. A store failure returns an error; the caller
// fails closed on it.
func (g *Guard) CheckAndRecord(ctx context.Context, nonce string, ts time.Time) (Result, error) {
	if nonce == "" {
		return Result{Reason: models.ReasonMissingNonce}, nil
	}
	now := g.clock.Now()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.tolerance {
		return Result{Reason: models.ReasonStaleTimestamp}, nil
	}
	claimed, err := g.store.SetNX(ctx, g.prefix+nonce, now.Format(time.RFC3339Nano), g.retention)
	if err != nil {
		return Result{Reason: models.ReasonInternalError}, err
	}
	if !claimed {
		return Result{Reason: models.ReasonReplayDetected}, nil
	}
	return Result{Accepted: true, Reason: models.ReasonOK}, nil
}

func (g *Guard) Tolerance() time.Duration { return g.tolerance }
func (g *Guard) Retention() time.Duration { return g.retention }
