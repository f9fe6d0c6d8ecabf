// Package identity derives the keyed one-way identifiers the sliding-window
// subsystem is allowed to persist. Plaintext IPs and user agents never leave
// the request lifetime; everything downstream sees HMAC-SHA-256 digests
// truncated to 128 bits and hex encoded.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
)

const truncatedBytes = 16 // 128-bit identities

// Resolver computes identity hashes with a process-wide secret. With daily
// rotation enabled the working key is re-derived with HKDF per calendar day,
// so yesterday's stored identities cannot be linked to today's traffic.
type Resolver struct {
	master []byte
	rotate bool

	mu     sync.Mutex
	day    string
	dayKey []byte
}

// NewResolver builds a resolver from a 32-byte secret. An empty secret
// generates an ephemeral random key, which is fine for single-process
// deployments but breaks cross-process determinism.
func NewResolver(secret []byte, dailyRotation bool) (*Resolver, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("identity key must be 32 bytes, got %d", len(secret))
	}
	return &Resolver{master: secret, rotate: dailyRotation}, nil
}

// key returns the active HMAC key, deriving the daily key when rotation is on.
func (r *Resolver) key(now time.Time) []byte {
	if !r.rotate {
		return r.master
	}
	day := now.UTC().Format("2006-01-02")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.day == day {
		return r.dayKey
	}

	kdf := hkdf.New(sha256.New, r.master, nil, []byte("botshield/day/"+day))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		// HKDF over SHA-256 cannot fail for these sizes; keep the master
		// key rather than returning an error on the hot path.
		return r.master
	}
	r.day = day
	r.dayKey = derived
	return derived
}

// Hash computes the truncated keyed hash over the given parts joined by an
// unambiguous separator.
func (r *Resolver) Hash(now time.Time, parts ...string) string {
	mac := hmac.New(sha256.New, r.key(now))
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{0x1f})
		}
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil)[:truncatedBytes])
}

// FingerprintLookupKey derives the key used against the fingerprint store:
// HMAC(key, clientIP || salt).
func (r *Resolver) FingerprintLookupKey(now time.Time, clientIP, salt string) string {
	return r.Hash(now, clientIP, salt)
}

// Resolve populates the request's identity set. Missing identifiers leave
// the corresponding identity absent; no zero-value substitution.
func (r *Resolver) Resolve(rc *detect.RequestContext, fp *contracts.BrowserFingerprint) detect.IdentitySet {
	now := rc.RequestedAt
	ip := rc.ClientIP()
	ua := rc.UserAgent()

	var ids detect.IdentitySet
	if ip != "" && ua != "" {
		ids.Primary = r.Hash(now, ip, ua)
	}
	if ip != "" {
		ids.IP = r.Hash(now, ip)
		if subnet := subnet24(ip); subnet != "" {
			ids.Subnet = r.Hash(now, subnet)
		}
	}
	if ua != "" {
		ids.UA = r.Hash(now, ua)
	}

	if fp != nil {
		if fp.Canvas != "" || fp.WebGL != "" || fp.Audio != "" || fp.Screen != "" || fp.Timezone != "" {
			ids.ClientSide = r.Hash(now, fp.Canvas, fp.WebGL, fp.Audio, fp.Screen, fp.Timezone)
		}
		acceptLang := rc.HeaderValue("Accept-Language")
		acceptEnc := rc.HeaderValue("Accept-Encoding")
		if fp.Plugins != "" || fp.Fonts != "" {
			ids.Plugin = r.Hash(now, fp.Plugins, fp.Fonts, acceptLang, acceptEnc)
		}
	}

	return ids
}

// subnet24 reduces an IPv4 address to its /24 network, or an IPv6 address to
// its /48. Returns "" for unparseable input.
func subnet24(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
	}
	return (&net.IPNet{IP: parsed.Mask(net.CIDRMask(48, 128)), Mask: net.CIDRMask(48, 128)}).String()
}
