package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"warden/pkg/audit"
	"warden/pkg/breaker"
	"warden/pkg/clock"
	"warden/pkg/config"
	"warden/pkg/content"
	"warden/pkg/floodguard"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/ratelimit"
	"warden/pkg/replay"
	"warden/pkg/store"
	"warden/pkg/stream"
)

// ErrConfig wraps reload-time validation failures; the previous good
// configuration stays active when it is returned.
var ErrConfig = errors.New("policy: invalid configuration")

// AckPredicate recognizes an operator acknowledgment in inbound text. The
// engine consumes only the boolean; how intent is recognized is the
// collaborator's business.
type AckPredicate func(text string) bool

// snapshot is one immutable configuration generation. In-flight evaluations
// hold the pointer they loaded, so a concurrent reload never shows them a
// partial update.
type snapshot struct {
	cfg        *config.Config
	rules      content.RuleSet
	replay     *replay.Guard
	generation int64
}

type Options struct {
	Clock   clock.Clock
	Limiter ratelimit.Limiter
	Cache   store.Cache
	Sink    *audit.Sink
	Metrics *metrics.Registry
	Hub     *stream.Hub
	Ack     AckPredicate
}

// Engine is the decision aggregator: the sole synchronous gatekeeper every
// inbound and outbound event passes through.
type Engine struct {
	clock   clock.Clock
	limiter ratelimit.Limiter
	breaker *breaker.Breaker
	flood   *floodguard.Guard
	cache   store.Cache
	sink    *audit.Sink
	metrics *metrics.Registry
	hub     *stream.Hub
	ack     AckPredicate
	anomaly *anomalyTracker

	snap atomic.Pointer[snapshot]
	gen  atomic.Int64
}

func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cache := opts.Cache
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewSliding(clk)
	}
	e := &Engine{
		clock:   clk,
		limiter: limiter,
		cache:   cache,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		hub:     opts.Hub,
		ack:     opts.Ack,
	}
	snap, err := e.buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	e.breaker = breaker.New(clk, cfg.BreakerSettings())
	e.flood = floodguard.New(cache, clk, cfg.FloodSettings(), floodguard.NewClassifier(cfg.DeviceClasses))
	e.anomaly = newAnomalyTracker(clk, cfg.AnomalyThreshold, time.Duration(cfg.AnomalyWindowSec)*time.Second)
	e.snap.Store(snap)
	return e, nil
}

func (e *Engine) buildSnapshot(cfg *config.Config) (*snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	rules, err := content.Compile(cfg.ContentRules)
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	guard, err := replay.New(e.cache, e.clock, cfg.ReplayTolerance(), cfg.ReplayRetention())
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	return &snapshot{
		cfg:        cfg,
		rules:      rules,
		replay:     guard,
		generation: e.gen.Add(1),
	}, nil
}

// Reload swaps in a new configuration generation, all or nothing. On any
// validation failure the running generation is left unchanged and the error
// wraps ErrConfig. The breaker, flood and anomaly components hold their own
// settings and are reconfigured just before the snapshot swap; an evaluation
// racing the swap may pair the old snapshot's limits with the new component
// thresholds for that one call, but each component always applies one
// internally consistent settings set.
func (e *Engine) Reload(cfg *config.Config) error {
	snap, err := e.buildSnapshot(cfg)
	if err != nil {
		return err
	}
	// validation passed: now, and only now, touch shared components
	e.breaker.Configure(cfg.BreakerSettings())
	e.flood.Configure(cfg.FloodSettings(), floodguard.NewClassifier(cfg.DeviceClasses))
	e.anomaly.configure(cfg.AnomalyThreshold, time.Duration(cfg.AnomalyWindowSec)*time.Second)
	e.snap.Store(snap)
	if e.hub != nil {
		e.hub.Publish(stream.ReloadEvent(snap.generation))
	}
	return nil
}

// ReloadJSON parses and applies a raw configuration document.
func (e *Engine) ReloadJSON(raw []byte) error {
	cfg, err := config.Parse(raw)
	if err != nil {
		return errors.Join(ErrConfig, err)
	}
	return e.Reload(cfg)
}

// Generation reports the active configuration generation.
func (e *Engine) Generation() int64 {
	return e.snap.Load().generation
}

// Evaluate is the sole hot-path entry point. No error and no panic crosses
// this boundary: internal faults become InternalError denials.
func (e *Engine) Evaluate(ctx context.Context, req models.Request) (d models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("evaluate panic: %v", r)
			d = e.finish(req, deny(models.ReasonInternalError, models.LevelError))
		}
	}()
	if ctx.Err() != nil {
		// caller-imposed timeout: a decision we cannot finish is a denial
		return e.finish(req, deny(models.ReasonInternalError, models.LevelError))
	}
	snap := e.snap.Load()
	return e.finish(req, e.dispatch(ctx, snap, req))
}

func (e *Engine) dispatch(ctx context.Context, snap *snapshot, req models.Request) models.Decision {
	switch req.Kind {
	case models.KindInboundMessage:
		return e.evalInboundMessage(ctx, snap, req)
	case models.KindDeviceEvent:
		return e.evalDeviceEvent(ctx, snap, req)
	case models.KindOutboundMessage:
		return e.evalOutboundMessage(snap, req)
	case models.KindSystemAction, models.KindAgentAction:
		return e.evalAction(snap, req)
	default:
		return deny(models.ReasonUnmatchedKind, models.LevelWarn)
	}
}

// finish assigns the decision ID and fans the record out to the audit sink,
// metrics and the event hub. All of it is best-effort and non-blocking.
func (e *Engine) finish(req models.Request, d models.Decision) models.Decision {
	d.ID = uuid.NewString()
	if d.LogLevel == "" {
		d.LogLevel = models.LevelInfo
	}
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(req.Kind), d.Verdict, d.Reason)
	}
	if !d.Allowed && e.anomaly != nil {
		if e.anomaly.observe(string(req.Kind)) {
			log.Printf("denial anomaly threshold crossed for %s", req.Kind)
			if e.metrics != nil {
				e.metrics.ObserveAnomaly()
			}
			if e.hub != nil {
				e.hub.Publish(stream.AnomalyEvent(string(req.Kind)))
			}
		}
	}
	if e.sink != nil {
		raw, _ := json.Marshal(req)
		e.sink.Emit(audit.Record{
			DecisionID: d.ID,
			Kind:       string(req.Kind),
			Identity:   req.Identity,
			Channel:    req.Channel,
			Verdict:    d.Verdict,
			Reason:     d.Reason,
			Demoted:    d.Demoted,
			LogLevel:   d.LogLevel,
			RequestRaw: raw,
			CreatedAt:  e.clock.Now(),
		})
	}
	if e.hub != nil {
		e.hub.Publish(stream.DecisionEvent(d))
	}
	return d
}

func deny(reason, level string) models.Decision {
	return models.Decision{Verdict: models.VerdictDeny, Reason: reason, LogLevel: level}
}

func denyRetry(reason, level string, retry time.Duration) models.Decision {
	d := deny(reason, level)
	d.RetryAfter = retry
	return d
}

func allow(reason string) models.Decision {
	return models.Decision{Verdict: models.VerdictAllow, Allowed: true, Reason: reason, LogLevel: models.LevelInfo}
}
