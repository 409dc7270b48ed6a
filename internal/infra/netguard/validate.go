package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlocked is returned when a URL fails SSRF policy.
var ErrBlocked = errors.New("url blocked by network security policy")

// Policy controls what ValidateURL accepts. The zero value is the strict
// production posture: public HTTP(S) hosts only, no embedded credentials.
type Policy struct {
	RequireHTTPS     bool     `yaml:"requireHTTPS"`
	AllowPrivate     bool     `yaml:"allowPrivate"`
	AllowLocalhost   bool     `yaml:"allowLocalhost"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	AllowedHosts     []string `yaml:"allowedHosts"` // exact hostnames, checked before DNS
	BlockedHosts     []string `yaml:"blockedHosts"` // exact hostnames, checked before DNS
	DevExceptions    []string `yaml:"devExceptions"` // hosts exempt from RequireHTTPS
}

// Result is the validation outcome. Warnings inform the caller but never
// fail validation.
type Result struct {
	Valid         bool     `json:"valid"`
	Reason        string   `json:"error,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	NormalizedURL string   `json:"normalized_url,omitempty"`

	// Addrs are the resolved addresses, kept so the fetcher can pin its
	// dial to what was validated instead of resolving again.
	Addrs []net.IP `json:"-"`
	Host  string   `json:"-"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Cloud metadata endpoints are blocked regardless of policy.
var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"100.100.100.200":          true, // alibaba
	"fd00:ec2::254":            true,
}

// Hostnames that are dangerous no matter what they resolve to.
var denyNames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"broadcasthost":         true,
	"0.0.0.0":               true,
}

// Validator resolves and checks URLs against SSRF policy. The resolver is a
// field so tests can substitute DNS.
type Validator struct {
	Resolver func(ctx context.Context, host string) ([]net.IP, error)
}

func NewValidator() *Validator {
	return &Validator{Resolver: systemResolve}
}

func systemResolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// ValidateURL checks raw against the policy. Scheme and hostname checks run
// before DNS; resolved addresses are then screened against metadata,
// loopback, private, link-local and carrier-NAT ranges.
func (v *Validator) ValidateURL(ctx context.Context, raw string, pol Policy) Result {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("unparseable url: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		// file, javascript, data and friends are never negotiable.
		return invalid("scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return invalid("url has no host")
	}

	var warnings []string
	if u.User != nil {
		if !pol.AllowCredentials {
			return invalid("embedded credentials are not allowed")
		}
		warnings = append(warnings, "url contains embedded credentials")
	}

	if scheme != "https" && pol.RequireHTTPS && !containsHost(pol.DevExceptions, host) {
		return invalid("https is required for host %q", host)
	}

	// Exact-hostname lists run before DNS resolution.
	if containsHost(pol.BlockedHosts, host) {
		return invalid("host %q is deny-listed", host)
	}
	allowListed := containsHost(pol.AllowedHosts, host)

	if metadataHosts[host] {
		return invalid("host %q is a cloud metadata endpoint", host)
	}
	if !allowListed {
		if denyNames[host] && !pol.AllowLocalhost {
			return invalid("host %q is not allowed", host)
		}
		if (strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal")) &&
			!pol.AllowPrivate {
			return invalid("host %q points at an internal zone", host)
		}
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = v.Resolver(ctx, host)
		if err != nil {
			return invalid("hostname %q did not resolve: %v", host, err)
		}
	}
	for _, ip := range ips {
		// Metadata addresses stay blocked even for allow-listed hosts.
		if isMetadataIP(ip) {
			return invalid("host %q resolves to a cloud metadata address %s", host, ip)
		}
		if allowListed {
			continue
		}
		if ip.IsLoopback() && !pol.AllowLocalhost {
			return invalid("host %q resolves to loopback address %s", host, ip)
		}
		if !pol.AllowPrivate && !ip.IsLoopback() && isPrivateIP(ip) {
			return invalid("host %q resolves to non-public address %s", host, ip)
		}
	}

	if p := u.Port(); p != "" && p != "80" && p != "443" {
		warnings = append(warnings, fmt.Sprintf("non-standard port %s", p))
	}

	return Result{
		Valid:         true,
		Warnings:      warnings,
		NormalizedURL: normalize(u),
		Addrs:         ips,
		Host:          host,
	}
}

func containsHost(list []string, host string) bool {
	for _, h := range list {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

func isMetadataIP(ip net.IP) bool {
	return metadataHosts[ip.String()]
}

var carrierNAT = mustCIDR("100.64.0.0/10")
var uniqueLocal = mustCIDR("fc00::/7")

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		carrierNAT.Contains(ip) ||
		uniqueLocal.Contains(ip)
}

func normalize(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(u.Scheme)
	n.User = nil
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		n.Host = net.JoinHostPort(host, port)
	} else {
		n.Host = host
	}
	n.Fragment = ""
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}
