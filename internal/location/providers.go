package location

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 4 * time.Second
	maxProviderBody        = 64 << 10
	userAgent              = "Mozilla/5.0 (compatible; geofix/1.0)"
)

// ProviderConfig describes one IP-geolocation endpoint. Responses share no
// schema; see Normalizer for the shapes that are understood.
type ProviderConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
}

func (p ProviderConfig) timeout() time.Duration {
	if p.Timeout <= 0 {
		return defaultProviderTimeout
	}
	return p.Timeout
}

// DefaultProviders returns the public providers raced by default.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "ipapi.is", URL: "https://api.ipapi.is/", Timeout: 5 * time.Second},
		{Name: "ipapi.co", URL: "https://ipapi.co/json/", Timeout: 4 * time.Second},
		{Name: "ipinfo.io", URL: "https://ipinfo.io/json", Timeout: 4 * time.Second},
		{Name: "freeipapi", URL: "https://freeipapi.com/api/json", Timeout: 3 * time.Second},
		{Name: "ipify", URL: "https://api.ipify.org?format=json", Timeout: 3 * time.Second},
	}
}

// DefaultFallback is the provider queried when a response only carries the
// caller's IP address. "{ip}" in the URL is replaced with that address.
func DefaultFallback() ProviderConfig {
	return ProviderConfig{Name: "ipwho.is", URL: "https://ipwho.is/{ip}", Timeout: 4 * time.Second}
}

// ParseProvider parses "name=url[@timeout]", e.g. "ipinfo=https://ipinfo.io/json@3s".
func ParseProvider(s string) (ProviderConfig, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" || rest == "" {
		return ProviderConfig{}, fmt.Errorf("invalid provider %q, expected name=url[@timeout]", s)
	}
	p := ProviderConfig{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rest)}
	if i := strings.LastIndex(rest, "@"); i > strings.Index(rest, "://") {
		d, err := time.ParseDuration(rest[i+1:])
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("invalid timeout in provider %q: %w", s, err)
		}
		p.URL, p.Timeout = strings.TrimSpace(rest[:i]), d
	}
	return p, nil
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
}
