package postgres

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/tenantgate/internal/domain/tenant"
)

// applySecurity rewrites the TLS settings parsed from the connection string according to mode.
// Fallback hosts produced by sslmode=prefer/allow are collapsed to one entry per host:port so a
// disabled or mandatory TLS policy cannot be bypassed by a fallback attempt.
func applySecurity(cfg *pgconn.Config, mode tenant.SecurityMode) error {
	switch mode {
	case tenant.SecurityDefault, "":
		return nil
	case tenant.SecurityDisable:
		cfg.TLSConfig = nil
		cfg.Fallbacks = dedupeFallbacks(cfg, func(*pgconn.FallbackConfig) *tls.Config { return nil })
		return nil
	case tenant.SecurityInsecure:
		cfg.TLSConfig = insecureTLS(cfg.Host)
		cfg.Fallbacks = dedupeFallbacks(cfg, func(fb *pgconn.FallbackConfig) *tls.Config { return insecureTLS(fb.Host) })
		return nil
	case tenant.SecurityVerifyFull:
		cfg.TLSConfig = verifiedTLS(cfg.Host)
		cfg.Fallbacks = dedupeFallbacks(cfg, func(fb *pgconn.FallbackConfig) *tls.Config { return verifiedTLS(fb.Host) })
		return nil
	default:
		return fmt.Errorf("unsupported security mode %q", mode)
	}
}

func insecureTLS(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // #nosec G402 -- operator opted into unverified TLS for this tenant.
		MinVersion:         tls.VersionTLS12,
	}
}

func verifiedTLS(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

func dedupeFallbacks(cfg *pgconn.Config, tlsFor func(*pgconn.FallbackConfig) *tls.Config) []*pgconn.FallbackConfig {
	if len(cfg.Fallbacks) == 0 {
		return nil
	}
	primary := hostPort(cfg.Host, cfg.Port)
	seen := map[string]struct{}{primary: {}}
	out := make([]*pgconn.FallbackConfig, 0, len(cfg.Fallbacks))
	for _, fb := range cfg.Fallbacks {
		if fb == nil {
			continue
		}
		key := hostPort(fb.Host, fb.Port)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, &pgconn.FallbackConfig{
			Host:      fb.Host,
			Port:      fb.Port,
			TLSConfig: tlsFor(fb),
		})
	}
	return out
}

func hostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
