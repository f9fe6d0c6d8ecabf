// Package patterns holds the built-in detection pattern sets: security tool
// user agents grouped by attack category, and the refresh manager for
// downloaded pattern and CIDR feeds.
package patterns

import "regexp"

// ToolCategory classifies what a matched security tool is used for.
type ToolCategory string

const (
	CategorySqlInjection         ToolCategory = "sql_injection"
	CategoryVulnerabilityScanner ToolCategory = "vulnerability_scanner"
	CategoryPortScanner          ToolCategory = "port_scanner"
	CategoryDirectoryBruteForce  ToolCategory = "directory_brute_force"
	CategoryCmsScanner           ToolCategory = "cms_scanner"
	CategoryExploitFramework     ToolCategory = "exploit_framework"
	CategoryCredentialAttack     ToolCategory = "credential_attack"
	CategoryWebProxy             ToolCategory = "web_proxy"
	CategoryReconnaissance       ToolCategory = "reconnaissance"
	CategorySuspicious           ToolCategory = "suspicious"
	CategoryOther                ToolCategory = "other"
)

// ToolPattern matches a security tool's user agent. Regex is precompiled;
// Substring is the fallback when a downloaded pattern failed to compile.
type ToolPattern struct {
	Name      string
	Category  ToolCategory
	Regex     *regexp.Regexp
	Substring string
}

// Matches applies the pattern to a user agent string.
func (p *ToolPattern) Matches(ua string) bool {
	if p.Regex != nil {
		return p.Regex.MatchString(ua)
	}
	return p.Substring != "" && containsFold(ua, p.Substring)
}

func containsFold(s, substr string) bool {
	return len(substr) > 0 && len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func tool(name string, cat ToolCategory, expr string) *ToolPattern {
	return &ToolPattern{Name: name, Category: cat, Regex: regexp.MustCompile(expr)}
}

// SecurityToolPatterns returns the built-in security tool UA patterns.
// Downloaded feeds extend this set at runtime.
func SecurityToolPatterns() []*ToolPattern {
	return []*ToolPattern{
		tool("sqlmap", CategorySqlInjection, `(?i)sqlmap/`),
		tool("havij", CategorySqlInjection, `(?i)havij`),
		tool("jsql", CategorySqlInjection, `(?i)jsql`),

		tool("nikto", CategoryVulnerabilityScanner, `(?i)nikto`),
		tool("nessus", CategoryVulnerabilityScanner, `(?i)nessus`),
		tool("openvas", CategoryVulnerabilityScanner, `(?i)openvas`),
		tool("acunetix", CategoryVulnerabilityScanner, `(?i)acunetix`),
		tool("nuclei", CategoryVulnerabilityScanner, `(?i)nuclei`),
		tool("wapiti", CategoryVulnerabilityScanner, `(?i)wapiti`),
		tool("netsparker", CategoryVulnerabilityScanner, `(?i)netsparker`),
		tool("qualys", CategoryVulnerabilityScanner, `(?i)qualys`),

		tool("nmap", CategoryPortScanner, `(?i)nmap (scripting engine|nse)`),
		tool("masscan", CategoryPortScanner, `(?i)masscan`),
		tool("zgrab", CategoryPortScanner, `(?i)zgrab`),
		tool("zmap", CategoryPortScanner, `(?i)\bzmap\b`),

		tool("dirbuster", CategoryDirectoryBruteForce, `(?i)dirbuster`),
		tool("gobuster", CategoryDirectoryBruteForce, `(?i)gobuster`),
		tool("dirb", CategoryDirectoryBruteForce, `(?i)\bdirb\b`),
		tool("feroxbuster", CategoryDirectoryBruteForce, `(?i)feroxbuster`),
		tool("wfuzz", CategoryDirectoryBruteForce, `(?i)wfuzz`),
		tool("ffuf", CategoryDirectoryBruteForce, `(?i)\bffuf\b`),

		tool("wpscan", CategoryCmsScanner, `(?i)wpscan`),
		tool("joomscan", CategoryCmsScanner, `(?i)joomscan`),
		tool("droopescan", CategoryCmsScanner, `(?i)droopescan`),

		tool("metasploit", CategoryExploitFramework, `(?i)metasploit`),
		tool("meterpreter", CategoryExploitFramework, `(?i)meterpreter`),
		tool("cobalt-strike", CategoryExploitFramework, `(?i)cobalt.?strike`),

		tool("hydra", CategoryCredentialAttack, `(?i)\bhydra\b`),
		tool("medusa", CategoryCredentialAttack, `(?i)medusa`),
		tool("patator", CategoryCredentialAttack, `(?i)patator`),

		tool("burpsuite", CategoryWebProxy, `(?i)burp\s?(suite|collaborator)`),
		tool("owasp-zap", CategoryWebProxy, `(?i)(owasp.?zap|zaproxy)`),
		tool("mitmproxy", CategoryWebProxy, `(?i)mitmproxy`),

		tool("whatweb", CategoryReconnaissance, `(?i)whatweb`),
		tool("shodan", CategoryReconnaissance, `(?i)shodan`),
		tool("censys", CategoryReconnaissance, `(?i)censys`),
		tool("subfinder", CategoryReconnaissance, `(?i)subfinder`),
	}
}
