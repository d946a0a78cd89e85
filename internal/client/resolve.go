package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type dohServer struct {
	address string
	sni     string
	isV4    bool
}

type dnsServer struct {
	addr string
	isV4 bool
}

var defaultDoHServers = []dohServer{
	{"1.1.1.1:443", "cloudflare-dns.com", true},
	{"1.0.0.1:443", "cloudflare-dns.com", true},
	{"8.8.8.8:443", "dns.google", true},
	{"8.8.4.4:443", "dns.google", true},
	{"9.9.9.9:443", "dns.quad9.net", true},
	{"[2606:4700:4700::1111]:443", "cloudflare-dns.com", false},
	{"[2606:4700:4700::1001]:443", "cloudflare-dns.com", false},
	{"[2001:4860:4860::8888]:443", "dns.google", false},
	{"[2001:4860:4860::8844]:443", "dns.google", false},
	{"[2620:fe::fe]:443", "dns.quad9.net", false},
}

var defaultDNSServers = []dnsServer{
	{"1.1.1.1:53", true},
	{"8.8.8.8:53", true},
	{"9.9.9.9:53", true},
	{"[2606:4700:4700::1111]:53", false},
}

// resolver looks hosts up through DoH, then the system resolver, then
// direct UDP DNS. Nil server lists fall back to the public defaults.
type resolver struct {
	insecure bool
	rootCAs  *x509.CertPool

	doh    []dohServer
	direct []dnsServer
	system func(ctx context.Context, host string) ([]net.IPAddr, error)
}

func (r *resolver) lookup(ctx context.Context, host string, ipv4Only, ipv6Only bool) ([]net.IP, error) {
	var errs []error

	ips, err := r.viaDoH(ctx, host, ipv4Only, ipv6Only)
	if err == nil && len(ips) > 0 {
		return ips, nil
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("doH failed: %w", err))
	}

	ips, err = r.viaSystem(ctx, host, ipv4Only, ipv6Only)
	if err == nil && len(ips) > 0 {
		return ips, nil
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("system DNS failed: %w", err))
	}

	ips, err = r.viaDirect(ctx, host, ipv4Only, ipv6Only)
	if err == nil && len(ips) > 0 {
		return ips, nil
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("direct DNS failed: %w", err))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no addresses returned"))
	}
	return nil, fmt.Errorf("all resolution methods failed for %s: %w", host, errors.Join(errs...))
}

func (r *resolver) viaSystem(ctx context.Context, host string, ipv4Only, ipv6Only bool) ([]net.IP, error) {
	lookup := r.system
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		if usable(a.IP, ipv4Only, ipv6Only) {
			ips = append(ips, a.IP)
		}
	}
	return ips, nil
}

func queryTypes(ipv4Only, ipv6Only bool) []uint16 {
	switch {
	case ipv4Only:
		return []uint16{dns.TypeA}
	case ipv6Only:
		return []uint16{dns.TypeAAAA}
	}
	return []uint16{dns.TypeA, dns.TypeAAAA}
}

func usable(ip net.IP, ipv4Only, ipv6Only bool) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return false
	}
	isIPv4 := ip.To4() != nil
	return !(ipv4Only && !isIPv4) && !(ipv6Only && isIPv4)
}

// answers extracts the addresses of the requested type from a response.
func answers(resp *dns.Msg, qtype uint16, ipv4Only, ipv6Only bool) []net.IP {
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA && usable(a.A, ipv4Only, ipv6Only) {
				ips = append(ips, a.A)
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA && usable(a.AAAA, ipv4Only, ipv6Only) {
				ips = append(ips, a.AAAA)
			}
		}
	}
	return ips
}

// race runs query against every server concurrently for each query type and
// returns the first non-empty answer set.
func race[S any](ctx context.Context, servers []S, types []uint16, skip func(S) bool,
	query func(ctx context.Context, s S, qtype uint16) []net.IP) []net.IP {
	for _, qtype := range types {
		qctx, cancel := context.WithCancel(ctx)
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			found []net.IP
		)
		for _, s := range servers {
			if skip(s) {
				continue
			}
			wg.Add(1)
			go func(s S) {
				defer wg.Done()
				if qctx.Err() != nil {
					return
				}
				ips := query(qctx, s, qtype)
				if len(ips) == 0 {
					return
				}
				mu.Lock()
				if found == nil {
					found = ips
					cancel()
				}
				mu.Unlock()
			}(s)
		}
		wg.Wait()
		cancel()
		if len(found) > 0 {
			return found
		}
	}
	return nil
}

func shuffled[S any](in []S) []S {
	out := append([]S(nil), in...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (r *resolver) viaDoH(ctx context.Context, host string, ipv4Only, ipv6Only bool) ([]net.IP, error) {
	servers := r.doh
	if servers == nil {
		servers = defaultDoHServers
	}
	skip := func(s dohServer) bool { return (ipv4Only && !s.isV4) || (ipv6Only && s.isV4) }

	ips := race(ctx, shuffled(servers), queryTypes(ipv4Only, ipv6Only), skip, func(ctx context.Context, s dohServer, qtype uint16) []net.IP {
		resp, err := r.dohExchange(ctx, s, host, qtype)
		if err != nil {
			return nil
		}
		return answers(resp, qtype, ipv4Only, ipv6Only)
	})
	if len(ips) == 0 {
		return nil, errors.New("no usable IPs resolved via DoH")
	}
	return ips, nil
}

func (r *resolver) dohExchange(ctx context.Context, s dohServer, host string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	packed, err := m.Pack()
	if err != nil {
		return nil, err
	}

	family := "tcp4"
	if !s.isV4 {
		family = "tcp6"
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			ServerName:         s.sni,
			RootCAs:            r.rootCAs,
			InsecureSkipVerify: r.insecure,
		},
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, family, s.address)
		},
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}

	url := fmt.Sprintf("https://%s/dns-query?dns=%s", s.sni, base64.RawURLEncoding.EncodeToString(packed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *resolver) viaDirect(ctx context.Context, host string, ipv4Only, ipv6Only bool) ([]net.IP, error) {
	servers := r.direct
	if servers == nil {
		servers = defaultDNSServers
	}
	skip := func(s dnsServer) bool { return (ipv4Only && !s.isV4) || (ipv6Only && s.isV4) }
	c := &dns.Client{Net: "udp", Timeout: 3 * time.Second}

	ips := race(ctx, shuffled(servers), queryTypes(ipv4Only, ipv6Only), skip, func(ctx context.Context, s dnsServer, qtype uint16) []net.IP {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := c.ExchangeContext(ctx, m, s.addr)
		if err != nil || resp.Rcode != dns.RcodeSuccess {
			return nil
		}
		return answers(resp, qtype, ipv4Only, ipv6Only)
	})
	if len(ips) == 0 {
		return nil, errors.New("no usable IPs resolved via direct DNS")
	}
	return ips, nil
}
