// Package middleware adapts the detection engine to net/http: it builds the
// request context from an inbound request, evaluates it, and applies the
// resulting decision before the request reaches application handlers.
package middleware

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/config"
	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/detect"
	"github.com/edgeshield/botshield/internal/engine"
	"github.com/edgeshield/botshield/internal/policy"
	"github.com/edgeshield/botshield/internal/signalbus"
)

// ClearanceCookie is the cookie carrying a challenge clearance token.
const ClearanceCookie = "bs_clearance"

type contextKey int

const evidenceKey contextKey = 0

// EvidenceFromContext returns the evidence attached by the middleware, if
// the request passed through it.
func EvidenceFromContext(ctx context.Context) (*detect.AggregatedEvidence, bool) {
	ev, ok := ctx.Value(evidenceKey).(*detect.AggregatedEvidence)
	return ev, ok
}

// Middleware wraps handlers with bot detection.
type Middleware struct {
	engine    *engine.Engine
	opts      *config.Options
	logger    *zap.Logger
	metrics   contracts.MetricsSink
	clearance *policy.ClearanceIssuer
	recent    *DecisionRing

	trustedProxies []*net.IPNet
}

// New builds the middleware around an engine.
func New(eng *engine.Engine, opts *config.Options, logger *zap.Logger, metrics contracts.MetricsSink) *Middleware {
	if metrics == nil {
		metrics = contracts.NopMetrics{}
	}
	var trusted []*net.IPNet
	for _, cidr := range opts.TrustedProxies {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			trusted = append(trusted, ipnet)
		}
	}
	return &Middleware{
		engine:         eng,
		opts:           opts,
		logger:         logger,
		metrics:        metrics,
		clearance:      policy.NewClearanceIssuer(opts.ChallengeSigningKey),
		recent:         NewDecisionRing(256),
		trustedProxies: trusted,
	}
}

// Clearance exposes the token issuer for the challenge verification endpoint.
func (m *Middleware) Clearance() *policy.ClearanceIssuer { return m.clearance }

// Recent exposes the decision ring for the ops API.
func (m *Middleware) Recent() *DecisionRing { return m.recent }

// Wrap returns the http.Handler middleware.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := m.buildContext(r)

		if m.hasClearance(r, rc) {
			next.ServeHTTP(w, r)
			return
		}

		decision, ev := m.engine.Evaluate(r.Context(), rc)
		m.record(rc, decision, ev)

		r = r.WithContext(context.WithValue(r.Context(), evidenceKey, ev))
		m.apply(w, r, next, decision, rc)
	})
}

// RequestContextFor builds the detector-facing record for a request without
// evaluating it, used by the beacon and challenge endpoints.
func (m *Middleware) RequestContextFor(r *http.Request) *detect.RequestContext {
	return m.buildContext(r)
}

// buildContext translates the net/http request into the detector-facing
// record. Header insertion order is not observable through net/http, so
// headers are listed in sorted-name order; order-sensitive checks degrade
// gracefully.
func (m *Middleware) buildContext(r *http.Request) *detect.RequestContext {
	now := time.Now()

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		if name != "User-Agent" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	headers := make([]detect.Header, 0, len(names)+1)
	// User-Agent goes first: its true wire position is unobservable here, and
	// a sorted position would trip the ordering check on every request.
	if vs := r.Header.Values("User-Agent"); len(vs) > 0 {
		headers = append(headers, detect.Header{Name: "User-Agent", Values: vs})
	}
	for _, name := range names {
		headers = append(headers, detect.Header{Name: name, Values: r.Header.Values(name)})
	}

	cookies := r.Cookies()
	cookieNames := make([]string, 0, len(cookies))
	for _, c := range cookies {
		cookieNames = append(cookieNames, c.Name)
	}

	rc := &detect.RequestContext{
		Method:          r.Method,
		Path:            r.URL.Path,
		QueryCount:      len(r.URL.Query()),
		ContentLength:   r.ContentLength,
		IsHTTPS:         r.TLS != nil,
		Headers:         headers,
		CookieNames:     cookieNames,
		RemoteAddress:   r.RemoteAddr,
		RequestedAt:     now,
		RequestedAtMono: now,
		Bus:             signalbus.New(),
	}

	if m.remoteIsTrustedProxy(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			chain := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					chain = append(chain, p)
				}
			}
			rc.ForwardedChain = chain
		}
	}

	bc := m.opts.Behavioral
	if bc.APIKeyHeader != "" {
		rc.APIKey = r.Header.Get(bc.APIKeyHeader)
	}
	if bc.UserIDHeader != "" {
		rc.AuthenticatedUserID = r.Header.Get(bc.UserIDHeader)
	}

	return rc
}

func (m *Middleware) remoteIsTrustedProxy(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range m.trustedProxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (m *Middleware) hasClearance(r *http.Request, rc *detect.RequestContext) bool {
	c, err := r.Cookie(ClearanceCookie)
	if err != nil || c.Value == "" {
		return false
	}
	return m.clearance.Verify(c.Value, m.engine.ClearanceSubject(rc), rc.RequestedAt)
}

func (m *Middleware) apply(w http.ResponseWriter, r *http.Request, next http.Handler, d policy.Decision, rc *detect.RequestContext) {
	switch d.Action {
	case policy.ActionAllow:
		next.ServeHTTP(w, r)

	case policy.ActionTag:
		for name, value := range d.Headers {
			r.Header.Set(name, value)
			w.Header().Set(name, value)
		}
		next.ServeHTTP(w, r)

	case policy.ActionThrottle:
		select {
		case <-time.After(d.Delay):
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
		}

	case policy.ActionChallenge:
		m.renderChallenge(w, d)

	case policy.ActionBlock:
		status := d.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		http.Error(w, d.Message, status)

	default:
		m.logger.Warn("unknown decision action, allowing", zap.String("action", string(d.Action)))
		next.ServeHTTP(w, r)
	}
}

// renderChallenge serves the interstitial that posts back to the challenge
// verification endpoint. Passing it sets the clearance cookie.
func (m *Middleware) renderChallenge(w http.ResponseWriter, d policy.Decision) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`<!doctype html>
<html><head><title>Verification required</title></head>
<body>
<p>Please verify your browser to continue.</p>
<form method="POST" action="/_botshield/challenge">
<button type="submit">Continue</button>
</form>
<script>document.forms[0].submit();</script>
</body></html>`))
}

// HandleChallengeVerify is the endpoint the interstitial posts to. It issues
// the clearance cookie and sends the client back where it came from.
func (m *Middleware) HandleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	rc := m.buildContext(r)
	ttl := m.clearanceTTL()

	token, err := m.clearance.Issue(m.engine.ClearanceSubject(rc), ttl, rc.RequestedAt)
	if err != nil {
		m.logger.Error("clearance issue failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClearanceCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	target := r.Referer()
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (m *Middleware) clearanceTTL() time.Duration {
	for _, a := range m.opts.Actions {
		if a.Kind == string(policy.ActionChallenge) && a.ClearanceTTL > 0 {
			return a.ClearanceTTL
		}
	}
	return 30 * time.Minute
}

func (m *Middleware) record(rc *detect.RequestContext, d policy.Decision, ev *detect.AggregatedEvidence) {
	m.metrics.Emit(contracts.MetricRecord{
		Kind:   contracts.MetricCounter,
		Name:   "decisions_applied_total",
		Labels: map[string]string{"action": string(d.Action)},
		Value:  1,
		At:     time.Now(),
	})
	m.recent.Add(DecisionRecord{
		EvaluationID:   ev.EvaluationID,
		Path:           rc.Path,
		Action:         string(d.Action),
		Reason:         d.Reason,
		BotProbability: ev.BotProbability,
		RiskBand:       string(ev.RiskBand),
		At:             rc.RequestedAt,
	})
	m.logger.Debug("decision",
		zap.String("evaluation_id", ev.EvaluationID),
		zap.String("path", rc.Path),
		zap.String("action", string(d.Action)),
		zap.Float64("probability", ev.BotProbability),
		zap.String("band", string(ev.RiskBand)),
	)
}
