package patterns

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
)

const (
	// RefreshInterval is how often downloaded feeds are re-fetched.
	RefreshInterval = time.Hour
	fetchTimeout    = 30 * time.Second
)

// FeedPersistence stores the last successfully fetched feed bodies so a
// restart during an upstream outage still has patterns to serve.
type FeedPersistence interface {
	SaveFeed(ctx context.Context, name string, body []byte) error
	LoadFeed(ctx context.Context, name string) ([]byte, error)
}

// Cache implements contracts.PatternCache over hourly-refreshed feeds of
// user-agent patterns and cloud CIDR ranges. A failed fetch keeps the stale
// copy; the cache never goes empty once populated.
type Cache struct {
	logger  *zap.Logger
	client  *http.Client
	persist FeedPersistence

	patternFeeds []string
	cidrFeeds    []string

	mu       sync.RWMutex
	patterns []contracts.CompiledPattern
	ranges   []*net.IPNet

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCache builds the cache and primes it from persistence when available.
// Refresh starts only when Start is called.
func NewCache(patternFeeds, cidrFeeds []string, persist FeedPersistence, logger *zap.Logger) *Cache {
	c := &Cache{
		logger:       logger,
		client:       &http.Client{Timeout: fetchTimeout},
		persist:      persist,
		patternFeeds: patternFeeds,
		cidrFeeds:    cidrFeeds,
		stopCh:       make(chan struct{}),
	}
	c.loadPersisted()
	return c
}

// Refresh fetches all feeds once, keeping stale data on failure. Exposed for
// the ops API's manual refresh.
func (c *Cache) Refresh(ctx context.Context) {
	c.refresh(ctx)
}

// Start begins the hourly refresh loop after one immediate fetch.
func (c *Cache) Start(ctx context.Context) {
	c.refresh(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the refresh loop.
func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// DownloadedPatterns implements contracts.PatternCache.
func (c *Cache) DownloadedPatterns() []contracts.CompiledPattern {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patterns
}

// DownloadedCidrRanges implements contracts.PatternCache.
func (c *Cache) DownloadedCidrRanges() []*net.IPNet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ranges
}

// IsInAnyCidrRange implements contracts.PatternCache.
func (c *Cache) IsInAnyCidrRange(ip net.IP) (bool, *net.IPNet) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.ranges {
		if r.Contains(ip) {
			return true, r
		}
	}
	return false, nil
}

func (c *Cache) loadPersisted() {
	if c.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var patterns []contracts.CompiledPattern
	for i := range c.patternFeeds {
		body, err := c.persist.LoadFeed(ctx, feedName("ua", i))
		if err != nil || len(body) == 0 {
			continue
		}
		patterns = append(patterns, parsePatternFeed(body)...)
	}
	var ranges []*net.IPNet
	for i := range c.cidrFeeds {
		body, err := c.persist.LoadFeed(ctx, feedName("cidr", i))
		if err != nil || len(body) == 0 {
			continue
		}
		ranges = append(ranges, parseCidrFeed(body)...)
	}
	if len(patterns) > 0 || len(ranges) > 0 {
		c.mu.Lock()
		if len(patterns) > 0 {
			c.patterns = patterns
		}
		if len(ranges) > 0 {
			c.ranges = ranges
		}
		c.mu.Unlock()
		c.logger.Info("pattern cache primed from persistence",
			zap.Int("patterns", len(patterns)), zap.Int("cidr_ranges", len(ranges)))
	}
}

func (c *Cache) refresh(ctx context.Context) {
	var patterns []contracts.CompiledPattern
	patternOK := false
	for i, url := range c.patternFeeds {
		body, err := c.fetch(ctx, url)
		if err != nil {
			c.logger.Debug("pattern feed fetch failed, keeping stale copy",
				zap.String("url", url), zap.Error(err))
			continue
		}
		patternOK = true
		patterns = append(patterns, parsePatternFeed(body)...)
		c.saveFeed(ctx, feedName("ua", i), body)
	}

	var ranges []*net.IPNet
	cidrOK := false
	for i, url := range c.cidrFeeds {
		body, err := c.fetch(ctx, url)
		if err != nil {
			c.logger.Debug("cidr feed fetch failed, keeping stale copy",
				zap.String("url", url), zap.Error(err))
			continue
		}
		cidrOK = true
		ranges = append(ranges, parseCidrFeed(body)...)
		c.saveFeed(ctx, feedName("cidr", i), body)
	}

	c.mu.Lock()
	if patternOK {
		c.patterns = patterns
	}
	if cidrOK {
		c.ranges = ranges
	}
	c.mu.Unlock()

	if patternOK || cidrOK {
		c.logger.Info("pattern cache refreshed",
			zap.Int("patterns", len(patterns)), zap.Int("cidr_ranges", len(ranges)))
	}
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned %d", url, resp.StatusCode)
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func (c *Cache) saveFeed(ctx context.Context, name string, body []byte) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SaveFeed(ctx, name, body); err != nil {
		c.logger.Debug("feed persistence failed", zap.String("feed", name), zap.Error(err))
	}
}

func feedName(kind string, idx int) string {
	return fmt.Sprintf("%s-%d", kind, idx)
}

// parsePatternFeed reads one pattern per line, "name<TAB>regex" or bare
// regex. Lines that fail to compile fall back to substring matching.
func parsePatternFeed(body []byte) []contracts.CompiledPattern {
	var out []contracts.CompiledPattern
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, expr := line, line
		if tab := strings.IndexByte(line, '\t'); tab >= 0 {
			name = strings.TrimSpace(line[:tab])
			expr = strings.TrimSpace(line[tab+1:])
		}
		p := contracts.CompiledPattern{Name: name}
		if re, err := regexp.Compile("(?i)" + expr); err == nil {
			p.Regex = re
		} else {
			p.Fallback = expr
		}
		out = append(out, p)
	}
	return out
}

// parseCidrFeed reads one CIDR per line; invalid lines are skipped.
func parseCidrFeed(body []byte) []*net.IPNet {
	var out []*net.IPNet
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(line); err == nil {
			out = append(out, ipnet)
		}
	}
	return out
}
