package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	AuditDSN              string
	AdminExposed          string
}

// ValidateProduction enforces the minimum transport posture in prod-like
// environments. Dev and test environments are left alone.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if dsn := strings.ToLower(strings.TrimSpace(o.AuditDSN)); dsn != "" {
		if strings.Contains(dsn, "sslmode=disable") || strings.Contains(dsn, "sslmode=allow") || strings.Contains(dsn, "sslmode=prefer") {
			return fmt.Errorf("%s: strict production hardening requires TLS on AUDIT_DATABASE_URL", service)
		}
	}
	if isTrue(o.AdminExposed, false) {
		return fmt.Errorf("%s: strict production hardening forbids exposing admin endpoints beyond loopback", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
