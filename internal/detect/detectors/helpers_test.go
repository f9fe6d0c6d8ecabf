package detectors

import (
	"net"
	"strings"
	"time"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// newRequest builds a request context with headers in send order. An empty UA
// means the header is absent entirely.
func newRequest(ua string, hdrs ...detect.Header) *detect.RequestContext {
	rc := &detect.RequestContext{
		Method:        "GET",
		Path:          "/products",
		RemoteAddress: "203.0.113.9:51234",
		RequestedAt:   time.Now(),
		Bus:           signalbus.New(),
	}
	if ua != "" {
		rc.Headers = append(rc.Headers, detect.Header{Name: "User-Agent", Values: []string{ua}})
	}
	rc.Headers = append(rc.Headers, hdrs...)
	return rc
}

func hdr(name, value string) detect.Header {
	return detect.Header{Name: name, Values: []string{value}}
}

// browserRequest is a realistic Chrome navigation request.
func browserRequest() *detect.RequestContext {
	rc := newRequest(
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
		hdr("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"),
		hdr("Accept-Encoding", "gzip, deflate, br"),
		hdr("Accept-Language", "en-US,en;q=0.9"),
		hdr("Cache-Control", "max-age=0"),
		hdr("Upgrade-Insecure-Requests", "1"),
		hdr("Sec-Fetch-Mode", "navigate"),
		hdr("Sec-Fetch-Dest", "document"),
		hdr("Sec-Ch-Ua", `"Chromium";v="139", "Google Chrome";v="139"`),
		hdr("Referer", "https://example.com/"),
	)
	rc.CookieNames = []string{"session", "csrf"}
	return rc
}

// fakePatternCache serves fixed pattern and CIDR sets.
type fakePatternCache struct {
	patterns []contracts.CompiledPattern
	cidrs    []*net.IPNet
}

func (f *fakePatternCache) DownloadedPatterns() []contracts.CompiledPattern { return f.patterns }
func (f *fakePatternCache) DownloadedCidrRanges() []*net.IPNet              { return f.cidrs }

func (f *fakePatternCache) IsInAnyCidrRange(ip net.IP) (bool, *net.IPNet) {
	for _, n := range f.cidrs {
		if n.Contains(ip) {
			return true, n
		}
	}
	return false, nil
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func testOpts() *config.Options {
	return config.DefaultOptions()
}

// deltaSum adds up the confidence deltas of a contribution slice.
func deltaSum(cs []detect.Contribution) float64 {
	var sum float64
	for _, c := range cs {
		sum += c.ConfidenceDelta
	}
	return sum
}

// hasReason reports whether any contribution reason contains the substring.
func hasReason(cs []detect.Contribution, sub string) bool {
	for _, c := range cs {
		if strings.Contains(c.Reason, sub) {
			return true
		}
	}
	return false
}
