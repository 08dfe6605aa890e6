// Package hardening gates gateway startup on the deployment posture.
// In production-like environments the process refuses to boot with an
// insecure transport or a missing secret instead of limping along.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be set before the gateway may
// serve production traffic.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values the checks run against.
// Values are passed as strings so the caller does not have to parse
// booleans before knowing whether enforcement applies at all.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

type check func(o Options, service string) error

var productionChecks = []check{
	checkDatabaseTLS,
	checkRedisTLS,
	checkCORS,
	checkSecrets,
}

// ValidateProduction runs every startup check. Outside production and
// staging the checks are skipped entirely, and STRICT_PROD_SECURITY=false
// disables them even there.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolish(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	for _, c := range productionChecks {
		if err := c(o, service); err != nil {
			return err
		}
	}
	return nil
}

func checkDatabaseTLS(o Options, service string) error {
	if boolish(o.DatabaseRequireTLS, false) {
		return nil
	}
	return fmt.Errorf("%s: production startup requires DATABASE_REQUIRE_TLS=true", service)
}

func checkRedisTLS(o Options, service string) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolish(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: production startup requires REDIS_REQUIRE_TLS=true", service)
	}
	if boolish(o.RedisTLSInsecure, false) || boolish(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: production startup forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

// checkCORS requires an explicit HTTPS origin allowlist. Wildcards and
// localhost origins would let any page drive the admin surface from a
// browser session.
func checkCORS(o Options, service string) error {
	seen := 0
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: production startup forbids CORS wildcard origin", service)
		case isLocalOrigin(lower):
			return fmt.Errorf("%s: production startup forbids localhost CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: production startup requires HTTPS CORS origin, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: production startup requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkSecrets(o Options, service string) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: production startup requires %s", service, req.Name)
		}
	}
	return nil
}

func isLocalOrigin(lower string) bool {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if strings.HasPrefix(lower, "http://"+host) || strings.HasPrefix(lower, "https://"+host) {
			return true
		}
	}
	return false
}

func boolish(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
