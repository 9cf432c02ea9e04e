package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeTargetDomain reduces a user-supplied target (a bare domain
// or a full URL) to the lowercased registrable host with any leading
// "www." stripped. Law: NormalizeTargetDomain("https://www.Foo.com/x")
// == NormalizeTargetDomain("FOO.com") == "foo.com".
func NormalizeTargetDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("op=domain.normalize: empty target: %w", ErrInvalidArgument)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("op=domain.normalize: unparsable target %q: %w", raw, ErrInvalidArgument)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return "", fmt.Errorf("op=domain.normalize: not a registrable host %q: %w", raw, ErrInvalidArgument)
	}
	return host, nil
}

// HostMatchesTarget reports whether a candidate host belongs to the
// normalised target domain: exact match or any subdomain of it.
func HostMatchesTarget(host, target string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == target || strings.HasSuffix(h, "."+target)
}

// ValidateSourceURL rejects inputs that cannot be navigated to before
// they ever reach the queue.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("op=domain.validate_url: %q: %w", raw, ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("op=domain.validate_url: scheme %q: %w", u.Scheme, ErrInvalidArgument)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("op=domain.validate_url: missing host in %q: %w", raw, ErrInvalidArgument)
	}
	return nil
}

// JobID derives the deterministic job id from (kind, source_url,
// project_id) so duplicate submissions within one enqueue epoch
// collapse onto the same queue entry.
func JobID(kind LinkKind, sourceURL, projectID string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + sourceURL + "\x00" + projectID))
	return hex.EncodeToString(sum[:12])
}
