// Package client builds the HTTP client used for IP-geolocation providers
// and the mobile location proxy.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gwatts/rootcerts"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; geofix/1.0; +https://github.com/idanyas/geofix)"

// Options controls how outbound connections are made.
type Options struct {
	IPv4Only bool
	IPv6Only bool
	// Interface is a network interface name or a local source IP.
	Interface string
	// Insecure skips TLS certificate verification.
	Insecure bool
	// Timeout bounds a whole request. Providers apply their own, shorter
	// deadlines through the request context.
	Timeout   time.Duration
	UserAgent string
}

// headerTransport fills in headers some providers insist on.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", t.userAgent)
	}
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "application/json")
	}
	clone.Header.Set("Accept-Language", "en-US,en;q=0.9")
	clone.Header.Set("Cache-Control", "no-cache")

	return t.base.RoundTrip(clone)
}

func localAddr(interfaceOrIP string, ipv4Only, ipv6Only bool) (*net.TCPAddr, error) {
	if interfaceOrIP == "" {
		return nil, nil
	}

	if ip := net.ParseIP(interfaceOrIP); ip != nil {
		isIPv4 := ip.To4() != nil
		if ipv4Only && !isIPv4 {
			return nil, fmt.Errorf("provided IP %s is not IPv4, but --ipv4 flag was specified", interfaceOrIP)
		}
		if ipv6Only && isIPv4 {
			return nil, fmt.Errorf("provided IP %s is not IPv6, but --ipv6 flag was specified", interfaceOrIP)
		}
		return &net.TCPAddr{IP: ip}, nil
	}

	iface, err := net.InterfaceByName(interfaceOrIP)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %q: %w", interfaceOrIP, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to get addresses for interface %q: %w", interfaceOrIP, err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	if ip := pickSourceIP(ips, ipv4Only, ipv6Only); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}

	family := "any"
	if ipv4Only {
		family = "IPv4"
	} else if ipv6Only {
		family = "IPv6"
	}
	return nil, fmt.Errorf("no suitable %s IP address found for interface %q", family, interfaceOrIP)
}

// pickSourceIP prefers a global IPv6 address, then IPv4, then link-local
// IPv6, within the allowed family.
func pickSourceIP(ips []net.IP, ipv4Only, ipv6Only bool) net.IP {
	var v4, linkLocal net.IP
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		isIPv4 := ip.To4() != nil
		switch {
		case isIPv4 && !ipv6Only:
			if v4 == nil {
				v4 = ip
			}
		case !isIPv4 && !ipv4Only:
			if !ip.IsLinkLocalUnicast() {
				return ip
			}
			if linkLocal == nil {
				linkLocal = ip
			}
		}
	}
	if v4 != nil {
		return v4
	}
	return linkLocal
}

// NewHTTPClient creates the outbound client. Name resolution goes through
// DNS-over-HTTPS first, then the system resolver, then plain DNS.
func NewHTTPClient(opts Options) (*http.Client, error) {
	if opts.IPv4Only && opts.IPv6Only {
		return nil, errors.New("IPv4-only and IPv6-only cannot be combined")
	}

	local, err := localAddr(opts.Interface, opts.IPv4Only, opts.IPv6Only)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: opts.Insecure}
	if !opts.Insecure {
		tlsConfig.RootCAs = rootcerts.ServerCertPool()
		if tlsConfig.RootCAs == nil {
			log.Println("Warning: rootcerts.ServerCertPool() returned nil. Forcing embedded certs again.")
			tlsConfig.RootCAs = rootcerts.ServerCertPool()
			if tlsConfig.RootCAs == nil {
				return nil, errors.New("critical failure: unable to obtain a valid root CA pool")
			}
		}
	}

	d := &dialer{
		net: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		ipv4Only: opts.IPv4Only,
		ipv6Only: opts.IPv6Only,
		resolver: &resolver{insecure: opts.Insecure, rootCAs: tlsConfig.RootCAs},
	}
	if local != nil {
		d.net.LocalAddr = local
		// Binding to a source address pins the family.
		if local.IP.To4() != nil {
			d.ipv4Only, d.ipv6Only = true, false
		} else {
			d.ipv4Only, d.ipv6Only = false, true
		}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       tlsConfig,
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &http.Client{
		Transport: &headerTransport{base: transport, userAgent: ua},
		Timeout:   timeout,
	}, nil
}

type dialer struct {
	net      *net.Dialer
	ipv4Only bool
	ipv6Only bool
	resolver *resolver
}

func (d *dialer) network() string {
	switch {
	case d.ipv4Only:
		return "tcp4"
	case d.ipv6Only:
		return "tcp6"
	}
	return "tcp"
}

func (d *dialer) allows(ip net.IP) bool {
	isIPv4 := ip.To4() != nil
	return !(d.ipv4Only && !isIPv4) && !(d.ipv6Only && isIPv4)
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !d.allows(ip) {
			return nil, fmt.Errorf("target IP address %s does not match required network type %s", host, d.network())
		}
		return d.net.DialContext(ctx, familyOf(ip), net.JoinHostPort(ip.String(), port))
	}
	if strings.EqualFold(host, "localhost") {
		return d.net.DialContext(ctx, d.network(), addr)
	}

	ips, err := d.resolver.lookup(ctx, host, d.ipv4Only, d.ipv6Only)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
	}

	var firstErr error
	for _, ip := range ips {
		if !d.allows(ip) {
			continue
		}
		// A blackholed address must not eat the whole provider deadline.
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := d.net.DialContext(dialCtx, familyOf(ip), net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		return nil, fmt.Errorf("DNS resolution failed: no usable IPs returned for %s", host)
	}
	return nil, fmt.Errorf("connection failed to all resolved IPs for %s:%s (first error: %w)", host, port, firstErr)
}

func familyOf(ip net.IP) string {
	if ip.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}
