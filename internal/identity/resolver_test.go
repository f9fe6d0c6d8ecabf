package identity

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

func testSecret() []byte {
	return bytes.Repeat([]byte{0xab}, 32)
}

func TestNewResolverKeyLength(t *testing.T) {
	_, err := NewResolver([]byte("too short"), false)
	require.Error(t, err)

	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestNewResolverEphemeralKey(t *testing.T) {
	a, err := NewResolver(nil, false)
	require.NoError(t, err)
	b, err := NewResolver(nil, false)
	require.NoError(t, err)

	now := time.Now()
	assert.NotEqual(t, a.Hash(now, "x"), b.Hash(now, "x"),
		"independent ephemeral keys must not collide")
}

func TestHashDeterministicAndTruncated(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	now := time.Now()
	h1 := r.Hash(now, "203.0.113.9", "some-ua")
	h2 := r.Hash(now, "203.0.113.9", "some-ua")

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32) // 128 bits, hex encoded
}

func TestHashSeparatorUnambiguous(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	now := time.Now()
	assert.NotEqual(t, r.Hash(now, "ab", "c"), r.Hash(now, "a", "bc"))
}

func TestDailyRotation(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	rotating, err := NewResolver(testSecret(), true)
	require.NoError(t, err)
	static, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	assert.NotEqual(t, rotating.Hash(day1, "ip"), rotating.Hash(day2, "ip"),
		"rotated keys must unlink identities across days")
	assert.Equal(t, rotating.Hash(day1, "ip"), rotating.Hash(day1.Add(time.Hour), "ip"),
		"same calendar day shares the derived key")
	assert.Equal(t, static.Hash(day1, "ip"), static.Hash(day2, "ip"))
}

func TestFingerprintLookupKey(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	now := time.Now()
	assert.Equal(t, r.Hash(now, "203.0.113.9", "fp-lookup"),
		r.FingerprintLookupKey(now, "203.0.113.9", "fp-lookup"))
}

func newRC(ip, ua string) *detect.RequestContext {
	rc := &detect.RequestContext{
		RemoteAddress: ip + ":44321",
		RequestedAt:   time.Now(),
		Bus:           signalbus.New(),
	}
	if ua != "" {
		rc.Headers = append(rc.Headers, detect.Header{Name: "User-Agent", Values: []string{ua}})
	}
	return rc
}

func TestResolveFullIdentitySet(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	ids := r.Resolve(newRC("203.0.113.9", "Mozilla/5.0"), nil)

	assert.NotEmpty(t, ids.Primary)
	assert.NotEmpty(t, ids.IP)
	assert.NotEmpty(t, ids.UA)
	assert.NotEmpty(t, ids.Subnet)
	assert.Empty(t, ids.ClientSide)
	assert.Empty(t, ids.Plugin)
}

func TestResolveMissingIdentifiers(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	ids := r.Resolve(newRC("203.0.113.9", ""), nil)
	assert.Empty(t, ids.Primary, "no UA means no primary identity")
	assert.NotEmpty(t, ids.IP)
	assert.Empty(t, ids.UA)
}

func TestResolveSubnetGrouping(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	a := r.Resolve(newRC("203.0.113.9", "ua"), nil)
	b := r.Resolve(newRC("203.0.113.200", "ua"), nil)
	c := r.Resolve(newRC("203.0.114.9", "ua"), nil)

	assert.Equal(t, a.Subnet, b.Subnet, "same /24 shares the subnet identity")
	assert.NotEqual(t, a.Subnet, c.Subnet)
	assert.NotEqual(t, a.IP, b.IP)
}

func TestResolveClientSideIdentities(t *testing.T) {
	r, err := NewResolver(testSecret(), false)
	require.NoError(t, err)

	fp := &contracts.BrowserFingerprint{
		Canvas: "c1", WebGL: "w1", Audio: "a1", Screen: "s1", Timezone: "tz",
		Plugins: "p1", Fonts: "f1",
	}
	rc := newRC("203.0.113.9", "Mozilla/5.0")
	rc.Headers = append(rc.Headers,
		detect.Header{Name: "Accept-Language", Values: []string{"en-US"}},
		detect.Header{Name: "Accept-Encoding", Values: []string{"gzip"}},
	)

	ids := r.Resolve(rc, fp)
	assert.NotEmpty(t, ids.ClientSide)
	assert.NotEmpty(t, ids.Plugin)

	// A different canvas hash yields a different client-side identity.
	fp2 := *fp
	fp2.Canvas = "other"
	ids2 := r.Resolve(rc, &fp2)
	assert.NotEqual(t, ids.ClientSide, ids2.ClientSide)
}

func TestSubnet24(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0/24"},
		{"10.1.2.3", "10.1.2.0/24"},
		{"2001:db8:abcd:12::1", "2001:db8:abcd::/48"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subnet24(tt.in), "subnet24(%q)", tt.in)
	}
}
