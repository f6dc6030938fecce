// Package tenant defines tenant configuration and the process-wide tenant catalog.
package tenant

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/coachpo/tenantgate/errs"
)

// SecurityMode selects how connections to a tenant database negotiate TLS.
type SecurityMode string

const (
	// SecurityDefault keeps whatever the connection string requests.
	SecurityDefault SecurityMode = "default"
	// SecurityDisable forces plaintext connections.
	SecurityDisable SecurityMode = "disable"
	// SecurityInsecure uses TLS without verifying the server certificate.
	SecurityInsecure SecurityMode = "insecure"
	// SecurityVerifyFull uses TLS and verifies the certificate chain and host name.
	SecurityVerifyFull SecurityMode = "verify-full"
)

// ParseSecurityMode normalises a textual security mode. Empty input yields SecurityDefault.
func ParseSecurityMode(raw string) (SecurityMode, error) {
	switch SecurityMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SecurityDefault:
		return SecurityDefault, nil
	case SecurityDisable:
		return SecurityDisable, nil
	case SecurityInsecure:
		return SecurityInsecure, nil
	case SecurityVerifyFull:
		return SecurityVerifyFull, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", raw)
	}
}

// Config identifies one tenant and how to reach its database.
type Config struct {
	Identifier       string
	ConnectionString string
	DisplayName      string
	Active           bool
	Security         SecurityMode
}

// Validate checks the fields required to register a tenant.
func (c Config) Validate() error {
	if NormalizeID(c.Identifier) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("identifier required"))
	}
	if strings.TrimSpace(c.ConnectionString) == "" {
		return errs.New(c.Identifier, errs.CodeInvalid, errs.WithMessage("connection string required"))
	}
	if _, err := ParseSecurityMode(string(c.Security)); err != nil {
		return errs.New(c.Identifier, errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	return nil
}

// Redacted returns a copy safe to log or render: credentials in the connection string are masked.
func (c Config) Redacted() Config {
	c.ConnectionString = RedactDSN(c.ConnectionString)
	return c
}

// NormalizeID folds an identifier to its catalog key: trimmed and lower-cased, matching the
// host labels tenants are addressed by.
func NormalizeID(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

const redactedPassword = "xxxxx"

// RedactDSN masks the password of a URL-style or keyword/value connection string.
func RedactDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return redactURL(trimmed)
	}
	return redactKeywordValue(trimmed)
}

func redactURL(dsn string) string {
	scheme := strings.Index(dsn, "://")
	rest := dsn[scheme+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	// url.Parse misreads passwords holding unescaped '/', '?' or '#'; only trust it when the
	// userinfo it found ends at the last '@'.
	if u, err := url.Parse(dsn); err == nil && u.User != nil && u.Fragment == "" &&
		strings.HasSuffix(u.Host, hostOf(rest[at+1:])) && strings.HasPrefix(rest, u.User.Username()) {
		return u.Redacted()
	}
	userinfo := rest[:at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		userinfo = userinfo[:colon+1] + redactedPassword
	}
	return dsn[:scheme+3] + userinfo + rest[at:]
}

func hostOf(authorityAndPath string) string {
	if end := strings.IndexAny(authorityAndPath, "/?#"); end >= 0 {
		return authorityAndPath[:end]
	}
	return authorityAndPath
}

// redactKeywordValue follows libpq quoting: values may be single-quoted with backslash
// escapes. An unterminated quote hides everything after the password keyword.
func redactKeywordValue(dsn string) string {
	var out strings.Builder
	i := 0
	for i < len(dsn) {
		for i < len(dsn) && isSpace(dsn[i]) {
			out.WriteByte(dsn[i])
			i++
		}
		keyStart := i
		for i < len(dsn) && dsn[i] != '=' && !isSpace(dsn[i]) {
			i++
		}
		key := dsn[keyStart:i]
		for i < len(dsn) && isSpace(dsn[i]) {
			i++
		}
		if i >= len(dsn) || dsn[i] != '=' {
			out.WriteString(key)
			continue
		}
		i++
		for i < len(dsn) && isSpace(dsn[i]) {
			i++
		}
		valueStart := i
		terminated := true
		if i < len(dsn) && dsn[i] == '\'' {
			i++
			terminated = false
			for i < len(dsn) {
				if dsn[i] == '\\' && i+1 < len(dsn) {
					i += 2
					continue
				}
				if dsn[i] == '\'' {
					i++
					terminated = true
					break
				}
				i++
			}
		} else {
			for i < len(dsn) && !isSpace(dsn[i]) {
				if dsn[i] == '\\' && i+1 < len(dsn) {
					i++
				}
				i++
			}
		}
		out.WriteString(key)
		out.WriteByte('=')
		if strings.EqualFold(key, "password") {
			out.WriteString(redactedPassword)
			if !terminated {
				return out.String()
			}
			continue
		}
		out.WriteString(dsn[valueStart:i])
	}
	return out.String()
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}
