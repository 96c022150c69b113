package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/pders01/flum/internal/debuglog"
)

// User-facing messages. Access-denied deliberately carries no reason so
// callers cannot probe internal network layout.
const (
	MsgInvalidURL   = "enter a valid URL"
	MsgAccessDenied = "this URL cannot be accessed"
)

// Reason classifies why a URL was rejected.
type Reason int

const (
	ReasonMalformed Reason = iota
	ReasonScheme
	ReasonBlockedHost
	ReasonPort
	ReasonPrivateAddress
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonScheme:
		return "scheme"
	case ReasonBlockedHost:
		return "blocked-host"
	case ReasonPort:
		return "port"
	case ReasonPrivateAddress:
		return "private-address"
	default:
		return "unknown"
	}
}

// ValidationError is returned for every rejected URL. Error() yields the
// user-facing message; Detail is for logs only.
type ValidationError struct {
	Reason  Reason
	Message string
	Detail  string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrPrivateAddress is returned by the guarded dialer when a connection
// would land on a private, loopback or link-local address.
var ErrPrivateAddress = errors.New("connection to private address refused")

// Resolver is the DNS primitive used for the private-address check.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

// metadata endpoints stay blocked even for permissive validators
var metadataHostnames = map[string]bool{
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

var currentNetwork = netip.MustParsePrefix("0.0.0.0/8")

// URLValidator gates every outbound fetch.
type URLValidator struct {
	// AllowLocalhost permits localhost and loopback literals
	AllowLocalhost bool
	// AllowPrivateIPs skips the resolved-address check
	AllowPrivateIPs bool
	// AllowAnyPort lifts the 80/443 restriction
	AllowAnyPort bool
	// MaxLength is the maximum allowed URL length
	MaxLength int
	// Resolver resolves hostnames; nil means net.DefaultResolver
	Resolver Resolver
}

// NewURLValidator creates a validator with secure defaults.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		MaxLength: 2048,
		Resolver:  net.DefaultResolver,
	}
}

// NewPermissiveURLValidator creates a validator for local development and
// tests against httptest servers.
func NewPermissiveURLValidator() *URLValidator {
	return &URLValidator{
		AllowLocalhost:  true,
		AllowPrivateIPs: true,
		AllowAnyPort:    true,
		MaxLength:       2048,
		Resolver:        net.DefaultResolver,
	}
}

// Validate performs the synchronous shape checks: absolute http(s) URL,
// host not on the denylist, standard port. It never touches the network.
func (v *URLValidator) Validate(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, reject(ReasonMalformed, MsgInvalidURL, "empty URL")
	}
	if v.MaxLength > 0 && len(raw) > v.MaxLength {
		return nil, reject(ReasonMalformed, MsgInvalidURL, fmt.Sprintf("URL longer than %d characters", v.MaxLength))
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, reject(ReasonMalformed, MsgInvalidURL, "not an absolute URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, reject(ReasonScheme, MsgInvalidURL, "unsupported scheme "+scheme)
	}

	hostname := normalizeHostname(u.Hostname())
	if hostname == "" {
		return nil, reject(ReasonMalformed, MsgInvalidURL, "missing hostname")
	}
	if v.isBlockedHostname(hostname) {
		return nil, reject(ReasonBlockedHost, MsgAccessDenied, "blocked hostname "+hostname)
	}

	if port := u.Port(); port != "" && !v.AllowAnyPort && port != "80" && port != "443" {
		return nil, reject(ReasonPort, MsgAccessDenied, "non-standard port "+port)
	}

	if !v.AllowPrivateIPs {
		if addr, err := netip.ParseAddr(hostname); err == nil && IsPrivateIP(addr) {
			return nil, reject(ReasonPrivateAddress, MsgAccessDenied, "private address literal "+hostname)
		}
	}

	return u, nil
}

// IsPrivateAddress resolves hostname and reports whether any resolved
// address is private, loopback, link-local or in 0.0.0.0/8. A failed lookup
// reports false: the fetch that follows will fail on its own.
func (v *URLValidator) IsPrivateAddress(ctx context.Context, hostname string) bool {
	if v.AllowPrivateIPs {
		return false
	}

	hostname = normalizeHostname(hostname)
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return IsPrivateIP(addr)
	}

	resolver := v.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		debuglog.Debugf("dns lookup for %s failed: %v", hostname, err)
		return false
	}

	for _, a := range addrs {
		if addr, ok := netip.AddrFromSlice(a.IP); ok && IsPrivateIP(addr) {
			return true
		}
	}
	return false
}

// Check runs Validate followed by IsPrivateAddress.
func (v *URLValidator) Check(ctx context.Context, raw string) (*url.URL, error) {
	u, err := v.Validate(raw)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			if verr.Reason == ReasonMalformed || verr.Reason == ReasonScheme {
				debuglog.Debugf("url rejected (%s): %s", verr.Reason, verr.Detail)
			} else {
				debuglog.Warnf("url blocked (%s): %s", verr.Reason, verr.Detail)
			}
		}
		return nil, err
	}

	if v.IsPrivateAddress(ctx, u.Hostname()) {
		debuglog.WithFields(map[string]any{"host": u.Hostname()}).
			Warnf("url blocked: resolves to a private address")
		return nil, reject(ReasonPrivateAddress, MsgAccessDenied, "resolves to private address")
	}
	return u, nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// private addresses. It closes the gap between the DNS check and the
// connect, where a hostile resolver could answer differently.
func (v *URLValidator) DialControl(_, address string, _ syscall.RawConn) error {
	if v.AllowPrivateIPs {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if IsPrivateIP(addr) {
		return ErrPrivateAddress
	}
	return nil
}

// NewHTTPClient returns a client whose dialer enforces DialControl. Redirects
// are re-validated so a public URL cannot bounce the request inward.
func (v *URLValidator) NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   v.DialControl,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			_, err := v.Check(req.Context(), req.URL.String())
			return err
		},
	}
}

func (v *URLValidator) isBlockedHostname(hostname string) bool {
	if metadataHostnames[hostname] {
		return true
	}
	if v.AllowLocalhost {
		return false
	}
	return blockedHostnames[hostname] || strings.HasSuffix(hostname, ".localhost")
}

// IsPrivateIP reports whether addr falls in an RFC1918, unique-local,
// loopback, link-local or current-network block.
func IsPrivateIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && currentNetwork.Contains(addr))
}

func normalizeHostname(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}

func reject(reason Reason, msg, detail string) error {
	return &ValidationError{Reason: reason, Message: msg, Detail: detail}
}
