package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/idanyas/geofix/internal/location"
)

// Config holds all application configuration.
type Config struct {
	JSON      bool
	Debug     bool
	IPv4Only  bool
	IPv6Only  bool
	Interface string
	Insecure  bool

	// Sensor is an NMEA source: a device path, serial://, tcp:// or tls://.
	Sensor      string
	UERE        float64
	HighTimeout time.Duration
	LowTimeout  time.Duration
	LowMaxAge   time.Duration

	Providers []location.ProviderConfig
	Fallback  *location.ProviderConfig
	Bands     location.Bands

	ProxyURL     string
	ProxyTimeout time.Duration

	// Mobile asks the mobile proxy instead of running the automatic cascade.
	Mobile bool
	// Manual is set when both --lat and --lng were given.
	Manual *[2]float64

	Serve       string
	CentersFile string

	MQTTBroker      string
	MQTTFixTopic    string
	MQTTMobileTopic string
}

// Load parses args and GEOFIX_* environment variables into a Config.
// Flags take precedence over environment variables. pflag.ErrHelp is
// returned as-is when help was requested.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	bands := location.DefaultBands()

	// Defaults and Environment Variables
	cfg.Sensor = getEnv("GEOFIX_SENSOR", "")
	cfg.UERE = getEnvFloat("GEOFIX_UERE", 5)
	cfg.ProxyURL = getEnv("GEOFIX_PROXY_URL", "")
	cfg.ProxyTimeout = getEnvDuration("GEOFIX_PROXY_TIMEOUT", 10*time.Second)
	cfg.Serve = getEnv("GEOFIX_SERVE", "")
	cfg.CentersFile = getEnv("GEOFIX_CENTERS", "")
	cfg.MQTTBroker = getEnv("GEOFIX_MQTT_BROKER", "")
	cfg.MQTTFixTopic = getEnv("GEOFIX_MQTT_FIX_TOPIC", "geofix/fix")
	cfg.MQTTMobileTopic = getEnv("GEOFIX_MQTT_MOBILE_TOPIC", "geofix/mobile/+")
	cfg.Insecure = getEnvBool("GEOFIX_INSECURE", false)
	cfg.Debug = getEnvBool("GEOFIX_DEBUG", false)
	bands.ISP = getEnvFloat("GEOFIX_ISP_ACCURACY", bands.ISP)
	bands.Mobile = getEnvFloat("GEOFIX_MOBILE_ACCURACY", bands.Mobile)
	bands.Unknown = getEnvFloat("GEOFIX_UNKNOWN_ACCURACY", bands.Unknown)
	bands.ISPKeywords = getEnvList("GEOFIX_ISP_KEYWORDS", bands.ISPKeywords)
	bands.MobileKeywords = getEnvList("GEOFIX_MOBILE_KEYWORDS", bands.MobileKeywords)

	high, low := location.DefaultHighAccuracy(), location.DefaultLowAccuracy()
	fallback := location.DefaultFallback()
	providers := getEnvList("GEOFIX_PROVIDERS", nil)
	fallbackFlag := getEnv("GEOFIX_IP_FALLBACK", fallback.Name+"="+fallback.URL+"@"+fallback.Timeout.String())

	// Command Line Flags (Override Env)
	fs.BoolVarP(&cfg.JSON, "json", "j", false, "Output the result in JSON format.")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable verbose debug logging.")
	fs.BoolVarP(&cfg.IPv4Only, "ipv4", "4", false, "Use IPv4 only connection.")
	fs.BoolVarP(&cfg.IPv6Only, "ipv6", "6", false, "Use IPv6 only connection.")
	fs.StringVarP(&cfg.Interface, "interface", "I", "", "Network interface or source IP address to use.")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip TLS certificate verification (UNSAFE).")

	fs.StringVar(&cfg.Sensor, "sensor", cfg.Sensor, "NMEA GPS source: /dev/ttyUSB0, serial://path?baud=4800, tcp://host:port or tls://host:port.")
	fs.Float64Var(&cfg.UERE, "uere", cfg.UERE, "User equivalent range error in meters, multiplied by HDOP to estimate accuracy.")
	fs.DurationVar(&cfg.HighTimeout, "high-timeout", high.Timeout, "Timeout of the high accuracy sensor read.")
	fs.DurationVar(&cfg.LowTimeout, "low-timeout", low.Timeout, "Timeout of the low accuracy sensor read.")
	fs.DurationVar(&cfg.LowMaxAge, "low-max-age", low.MaximumAge, "Maximum age of a cached reading accepted by the low accuracy read.")

	fs.StringArrayVar(&providers, "provider", providers, "IP-geolocation provider as name=url[@timeout]. Repeatable; replaces the defaults.")
	fs.StringVar(&fallbackFlag, "ip-fallback", fallbackFlag, "Provider for responses that only carry an IP, as name=url[@timeout] with {ip} in the URL. \"none\" disables it.")
	fs.Float64Var(&bands.ISP, "isp-accuracy", bands.ISP, "Estimated accuracy in meters for ISP connections.")
	fs.Float64Var(&bands.Mobile, "mobile-accuracy", bands.Mobile, "Estimated accuracy in meters for mobile connections.")
	fs.Float64Var(&bands.Unknown, "unknown-accuracy", bands.Unknown, "Estimated accuracy in meters when the connection type is unknown.")
	fs.StringSliceVar(&bands.ISPKeywords, "isp-keywords", bands.ISPKeywords, "Organisation keywords that mark an ISP connection.")
	fs.StringSliceVar(&bands.MobileKeywords, "mobile-keywords", bands.MobileKeywords, "Organisation keywords that mark a mobile connection.")

	fs.StringVar(&cfg.ProxyURL, "proxy-url", cfg.ProxyURL, "Mobile location proxy endpoint.")
	fs.DurationVar(&cfg.ProxyTimeout, "proxy-timeout", cfg.ProxyTimeout, "Timeout of a mobile location proxy request.")
	fs.BoolVar(&cfg.Mobile, "mobile", false, "Ask the mobile location proxy instead of the local sensor.")
	lat := fs.Float64("lat", 0, "Manual latitude, use with --lng.")
	lng := fs.Float64("lng", 0, "Manual longitude, use with --lat.")

	fs.StringVar(&cfg.Serve, "serve", cfg.Serve, "Run the HTTP service on this address, e.g. :8080.")
	fs.StringVar(&cfg.CentersFile, "centers", cfg.CentersFile, "JSON file with safety centers for nearest-center lookups.")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker URL, e.g. tcp://localhost:1883. Empty disables MQTT.")
	fs.StringVar(&cfg.MQTTFixTopic, "mqtt-fix-topic", cfg.MQTTFixTopic, "Topic resolved fixes are published to.")
	fs.StringVar(&cfg.MQTTMobileTopic, "mqtt-mobile-topic", cfg.MQTTMobileTopic, "Topic filter mobile devices publish their fixes on.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.IPv4Only && cfg.IPv6Only {
		return nil, errors.New("--ipv4 (-4) and --ipv6 (-6) flags cannot be used together")
	}
	if fs.Changed("lat") != fs.Changed("lng") {
		return nil, errors.New("--lat and --lng must be given together")
	}
	if fs.Changed("lat") {
		cfg.Manual = &[2]float64{*lat, *lng}
	}
	if cfg.Manual != nil && cfg.Mobile {
		return nil, errors.New("--mobile cannot be combined with --lat/--lng")
	}
	if bands.ISP <= 0 || bands.Mobile <= 0 || bands.Unknown <= 0 {
		return nil, errors.New("accuracy bands must be positive")
	}
	if cfg.UERE <= 0 {
		return nil, errors.New("--uere must be positive")
	}
	cfg.Bands = bands
	cfg.HighTimeout = positive(cfg.HighTimeout, high.Timeout)
	cfg.LowTimeout = positive(cfg.LowTimeout, low.Timeout)

	if len(providers) == 0 {
		cfg.Providers = location.DefaultProviders()
	}
	for _, entry := range providers {
		p, err := location.ParseProvider(entry)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	if fallbackFlag != "" && !strings.EqualFold(fallbackFlag, "none") {
		p, err := location.ParseProvider(fallbackFlag)
		if err != nil {
			return nil, fmt.Errorf("--ip-fallback: %w", err)
		}
		cfg.Fallback = &p
	}

	return cfg, nil
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList reads a comma separated list.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
