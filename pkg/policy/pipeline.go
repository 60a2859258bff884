package policy

import (
	"context"
	"errors"
	"log"
	"strconv"

	"warden/pkg/content"
	"warden/pkg/floodguard"
	"warden/pkg/models"
	"warden/pkg/ratelimit"
)

// Pipelines are ordered and short-circuiting: identity, replay, rate limit,
// content, flood protection. Any unmatched branch denies.

func (e *Engine) evalInboundMessage(ctx context.Context, snap *snapshot, req models.Request) models.Decision {
	if _, ok := snap.cfg.Identities[req.Identity]; !ok {
		// transport-asserted identity is never trusted blindly
		return deny(models.ReasonUnknownIdentity, models.LevelWarn)
	}
	if req.Nonce != "" || !req.Timestamp.IsZero() {
		res, err := snap.replay.CheckAndRecord(ctx, req.Nonce, req.Timestamp)
		if err != nil {
			return deny(models.ReasonInternalError, models.LevelError)
		}
		if !res.Accepted {
			return deny(res.Reason, models.LevelWarn)
		}
	}
	limit := snap.cfg.LimitFor(models.KindInboundMessage, req.Identity)
	scope := models.ScopeKey(models.DirectionIn, req.Channel, snap.cfg.GroupFor(req.Identity))
	rl := e.limiter.Allow(scope, limit.Max, limit.Window())
	if !rl.Allowed {
		return denyRetry(models.ReasonRateLimited, models.LevelInfo, rl.RetryAfter)
	}
	text, err := content.SanitizeInput(req.Text, snap.cfg.MaxMessageRunes, content.LengthPolicy(snap.cfg.LengthPolicy))
	if err != nil {
		switch {
		case errors.Is(err, content.ErrInvalidEncoding):
			return deny(models.ReasonInvalidEncoding, models.LevelWarn)
		case errors.Is(err, content.ErrTooLong):
			return deny(models.ReasonOversized, models.LevelWarn)
		default:
			return deny(models.ReasonInternalError, models.LevelError)
		}
	}
	if e.ack != nil && e.ack(text) {
		if _, err := e.flood.Acknowledge(ctx); err != nil {
			// the message itself is fine; only the latch failed
			log.Printf("acknowledge sweep failed: %v", err)
		}
	}
	return allow(models.ReasonOK)
}

func (e *Engine) evalDeviceEvent(ctx context.Context, snap *snapshot, req models.Request) models.Decision {
	if _, ok := snap.cfg.Identities[req.Identity]; !ok {
		return deny(models.ReasonUnknownIdentity, models.LevelWarn)
	}
	if req.Device == nil {
		return deny(models.ReasonUnmatchedKind, models.LevelWarn)
	}
	if req.Nonce != "" || !req.Timestamp.IsZero() {
		res, err := snap.replay.CheckAndRecord(ctx, req.Nonce, req.Timestamp)
		if err != nil {
			return deny(models.ReasonInternalError, models.LevelError)
		}
		if !res.Accepted {
			return deny(res.Reason, models.LevelWarn)
		}
	}
	// device events default to the unbounded bucket: safety alerts must
	// never be starved by admission control
	limit := snap.cfg.LimitFor(models.KindDeviceEvent, req.Identity)
	scope := models.ScopeKey(models.DirectionIn, req.Channel, req.Device.DeviceID)
	rl := e.limiter.Allow(scope, limit.Max, limit.Window())
	if !rl.Allowed {
		return denyRetry(models.ReasonRateLimited, models.LevelInfo, rl.RetryAfter)
	}
	fd, err := e.flood.Handle(ctx, *req.Device)
	if err != nil {
		// fail closed on new escalations; nothing already sent is affected
		return deny(models.ReasonInternalError, models.LevelError)
	}
	switch fd.Action {
	case floodguard.ActionCritical:
		d := allow(fd.Reason)
		d.Route = models.RouteCritical
		d.Detail = alertDetail(fd)
		return d
	case floodguard.ActionLowPriority:
		d := models.Decision{
			Verdict:  models.VerdictDemote,
			Allowed:  true,
			Demoted:  true,
			Route:    models.RouteLowPriority,
			Reason:   fd.Reason,
			Detail:   alertDetail(fd),
			LogLevel: models.LevelWarn,
		}
		return d
	default:
		return deny(fd.Reason, models.LevelInfo)
	}
}

func (e *Engine) evalOutboundMessage(snap *snapshot, req models.Request) models.Decision {
	class := req.ActionClass
	if class == "" {
		class = "send_message"
	}
	br := e.breaker.Allow(class)
	if !br.Allowed {
		d := denyRetry(models.ReasonCircuitOpen, models.LevelWarn, br.RetryAfter)
		d.Detail = br.Fallback
		return d
	}
	limit := snap.cfg.LimitFor(models.KindOutboundMessage, req.Identity)
	if req.Origin == models.OriginEventTriggered {
		limit.Max = ratelimit.Unbounded
	}
	scope := models.ScopeKey(models.DirectionOut, req.Channel, snap.cfg.GroupFor(req.Identity))
	rl := e.limiter.Allow(scope, limit.Max, limit.Window())
	if !rl.Allowed {
		return denyRetry(models.ReasonRateLimited, models.LevelInfo, rl.RetryAfter)
	}
	if reason, blocked := snap.rules.Evaluate(req.Text, req.Proactive); blocked {
		d := deny(models.ReasonContentBlocked, models.LevelWarn)
		d.Detail = reason
		return d
	}
	return allow(models.ReasonOK)
}

func (e *Engine) evalAction(snap *snapshot, req models.Request) models.Decision {
	if req.ActionClass == "" {
		return deny(models.ReasonMissingClass, models.LevelWarn)
	}
	br := e.breaker.Allow(req.ActionClass)
	if !br.Allowed {
		d := denyRetry(models.ReasonCircuitOpen, models.LevelWarn, br.RetryAfter)
		d.Detail = br.Fallback
		return d
	}
	limit := snap.cfg.LimitFor(req.Kind, req.Identity)
	if req.Origin == models.OriginEventTriggered {
		limit.Max = ratelimit.Unbounded
	}
	scope := models.ScopeKey(models.DirectionOut, string(req.Kind), req.ActionClass)
	rl := e.limiter.Allow(scope, limit.Max, limit.Window())
	if !rl.Allowed {
		return denyRetry(models.ReasonRateLimited, models.LevelInfo, rl.RetryAfter)
	}
	return allow(models.ReasonOK)
}

func alertDetail(fd floodguard.Decision) string {
	if fd.AlertNumber == 0 {
		return ""
	}
	return "alert " + strconv.Itoa(fd.AlertNumber) + "/" + strconv.Itoa(fd.MaxAlerts)
}
