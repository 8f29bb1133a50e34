package services

import (
	"strings"
	"sync"

	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/webauthn"
)

// TenantSource supplies a display name for a host from whatever tenancy
// system the deployment runs. Implementations are injected explicitly; the
// resolver never probes for one at runtime.
type TenantSource interface {
	TenantName(host string) (string, bool)
}

// friendlyLabels maps well-known subdomain labels to a suffix used when a
// domain name has to be humanized, e.g. "shop.example.com" -> "Example Shop".
var friendlyLabels = map[string]string{
	"shop":      "Shop",
	"store":     "Store",
	"blog":      "Blog",
	"api":       "API",
	"admin":     "Admin",
	"portal":    "Portal",
	"dashboard": "Dashboard",
	"app":       "App",
	"demo":      "Demo",
	"staging":   "Staging",
	"dev":       "Dev",
	"test":      "Test",
}

// RelyingPartyResolver derives the WebAuthn relying party for an incoming
// request host. Resolution is allow-listed and cached; multi-tenant hosts get
// their display name from the injected TenantSource.
type RelyingPartyResolver struct {
	cfg     config.PasskeyConfig
	tenants TenantSource

	mu    sync.RWMutex
	cache map[string]webauthn.RelyingParty
}

func NewRelyingPartyResolver(cfg config.PasskeyConfig, tenants TenantSource) *RelyingPartyResolver {
	return &RelyingPartyResolver{
		cfg:     cfg,
		tenants: tenants,
		cache:   make(map[string]webauthn.RelyingParty),
	}
}

// Resolve returns the relying party for a raw request host (which may carry a
// scheme or port). The cache is keyed by host:port because the Origin differs
// between ports of the same host.
func (r *RelyingPartyResolver) Resolve(rawHost string) webauthn.RelyingParty {
	host := CleanHost(rawHost)
	key := stripToHostPort(rawHost)
	if key == "" {
		key = host
	}

	r.mu.RLock()
	if rp, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return rp
	}
	r.mu.RUnlock()

	rp := webauthn.RelyingParty{
		ID:     r.resolveID(host),
		Name:   r.resolveName(host),
		Origin: r.resolveOrigin(rawHost, host),
	}

	r.mu.Lock()
	r.cache[key] = rp
	r.mu.Unlock()

	logger.Info("relying_party_resolved", map[string]interface{}{
		"host":    host,
		"rp_id":   rp.ID,
		"rp_name": rp.Name,
	})
	return rp
}

// Invalidate drops every cached entry for one host, across all ports, e.g.
// after its tenant was renamed or its allow-list entry changed.
func (r *RelyingPartyResolver) Invalidate(rawHost string) {
	host := CleanHost(rawHost)
	r.mu.Lock()
	for key := range r.cache {
		if CleanHost(key) == host {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

func (r *RelyingPartyResolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]webauthn.RelyingParty)
	r.mu.Unlock()
}

func (r *RelyingPartyResolver) resolveID(host string) string {
	if r.hostAllowed(host) {
		return host
	}

	logger.Warn("relying_party_host_not_allowed", map[string]interface{}{
		"host": host,
	})

	if r.cfg.RPID != "" && r.hostAllowed(r.cfg.RPID) {
		return r.cfg.RPID
	}
	if len(r.cfg.AllowedHosts) > 0 {
		return CleanHost(r.cfg.AllowedHosts[0])
	}
	return "localhost"
}

func (r *RelyingPartyResolver) resolveName(host string) string {
	if name, ok := r.cfg.DomainNames[host]; ok {
		return name
	}
	if r.tenants != nil {
		if name, ok := r.tenants.TenantName(host); ok && name != "" {
			return name
		}
	}
	if r.cfg.RPName != "" {
		return r.cfg.RPName
	}
	return humanizeHost(host)
}

func (r *RelyingPartyResolver) resolveOrigin(rawHost, cleaned string) string {
	hostWithPort := stripToHostPort(rawHost)
	if hostWithPort == "" {
		hostWithPort = cleaned
	}
	scheme := "https"
	if isDevHost(cleaned) {
		scheme = "http"
	}
	return scheme + "://" + hostWithPort
}

func (r *RelyingPartyResolver) hostAllowed(host string) bool {
	if isDevHost(host) {
		return true
	}
	for _, allowed := range r.cfg.AllowedHosts {
		if host == CleanHost(allowed) {
			return true
		}
	}
	return false
}

func isDevHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost")
}

// CleanHost reduces a host header or URL fragment to the bare lowercase
// hostname: no scheme, no port, no path.
func CleanHost(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	// IPv6 literals keep their colons; anything else loses the port.
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i >= 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return host
}

// stripToHostPort removes scheme and path but keeps the port, for use in the
// origin string.
func stripToHostPort(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	return host
}

// humanizeHost builds a last-resort display name from the domain itself.
// "shop.example.com" becomes "Example Shop", "example.com" becomes "Example".
func humanizeHost(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) == 0 || labels[0] == "" {
		return "Passkey Login"
	}
	if suffix, ok := friendlyLabels[labels[0]]; ok && len(labels) >= 2 {
		return capitalize(labels[1]) + " " + suffix
	}
	return capitalize(labels[0])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
