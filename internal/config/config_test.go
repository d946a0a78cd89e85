package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idanyas/geofix/internal/location"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return Load(pflag.NewFlagSet("geofix", pflag.ContinueOnError), args)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, location.DefaultProviders(), cfg.Providers)
	require.NotNil(t, cfg.Fallback)
	assert.Equal(t, location.DefaultFallback(), *cfg.Fallback)
	assert.Equal(t, location.DefaultBands(), cfg.Bands)
	assert.Equal(t, 10*time.Second, cfg.HighTimeout)
	assert.Equal(t, 15*time.Second, cfg.LowTimeout)
	assert.Equal(t, 5*time.Minute, cfg.LowMaxAge)
	assert.Equal(t, 10*time.Second, cfg.ProxyTimeout)
	assert.Equal(t, "geofix/fix", cfg.MQTTFixTopic)
	assert.Nil(t, cfg.Manual)
}

func TestLoad_EnvironmentThenFlags(t *testing.T) {
	t.Setenv("GEOFIX_SENSOR", "tcp://127.0.0.1:10110")
	t.Setenv("GEOFIX_ISP_ACCURACY", "7000")
	t.Setenv("GEOFIX_MOBILE_KEYWORDS", "lte, 5g ,")
	t.Setenv("GEOFIX_PROVIDERS", "a=https://a.example/json@2s,b=https://b.example/json")
	t.Setenv("GEOFIX_PROXY_TIMEOUT", "3s")

	cfg, err := load(t, "--sensor", "/dev/ttyUSB0")
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Sensor)
	assert.Equal(t, 7000.0, cfg.Bands.ISP)
	assert.Equal(t, []string{"lte", "5g"}, cfg.Bands.MobileKeywords)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "a", cfg.Providers[0].Name)
	assert.Equal(t, 2*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 3*time.Second, cfg.ProxyTimeout)
}

func TestLoad_ProviderFlagsReplaceDefaults(t *testing.T) {
	cfg, err := load(t,
		"--provider", "one=https://one.example/@1s",
		"--provider", "two=https://two.example/",
		"--ip-fallback", "none",
	)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "two", cfg.Providers[1].Name)
	assert.Nil(t, cfg.Fallback)
}

func TestLoad_Manual(t *testing.T) {
	cfg, err := load(t, "--lat", "40.4168", "--lng", "-3.7038")
	require.NoError(t, err)
	require.NotNil(t, cfg.Manual)
	assert.Equal(t, [2]float64{40.4168, -3.7038}, *cfg.Manual)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"both families":     {"-4", "-6"},
		"lat without lng":   {"--lat", "1"},
		"manual and mobile": {"--lat", "1", "--lng", "1", "--mobile"},
		"bad provider":      {"--provider", "https://no-name.example"},
		"bad fallback":      {"--ip-fallback", "missing-url"},
		"zero band":         {"--isp-accuracy", "0"},
		"zero uere":         {"--uere", "0"},
		"unknown flag":      {"--nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestLoad_Help(t *testing.T) {
	_, err := load(t, "--help")
	assert.ErrorIs(t, err, pflag.ErrHelp)
}
