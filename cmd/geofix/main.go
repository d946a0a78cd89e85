package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/pflag"

	"github.com/idanyas/geofix/internal/client"
	"github.com/idanyas/geofix/internal/config"
	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
	"github.com/idanyas/geofix/internal/location"
	"github.com/idanyas/geofix/internal/output"
	"github.com/idanyas/geofix/internal/relay"
	"github.com/idanyas/geofix/internal/sensor"
	"github.com/idanyas/geofix/internal/server"
	"github.com/idanyas/geofix/internal/telemetry"
)

var version = "DEV"

// How long a fix relayed by a mobile device over MQTT stays servable.
const mobileFixMaxAge = 2 * time.Minute

func main() {
	pflag.Usage = func() {
		out := os.Stderr
		fmt.Fprintf(out, "Usage: %s [options...]\n\n", os.Args[0])
		fmt.Fprintln(out, "Find where you are: GPS sensor first, IP geolocation as a fallback.")
		fmt.Fprintln(out, "\nOptions:")
		pflag.PrintDefaults()
		fmt.Fprintln(out, "\nEvery option can also be set with a GEOFIX_* environment variable.")
		fmt.Fprintf(out, "\nVersion: %s\n", version)
		fmt.Fprintln(out, "Homepage: https://github.com/idanyas/geofix")
	}
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	cfg, err := config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(2)
	}

	setupLogging(cfg)
	telemetry.InitMetrics()

	if cfg.Serve == "" {
		output.PrintHeader(cfg.JSON, version)
	}
	if cfg.Insecure && !cfg.JSON {
		yellow := color.New(color.FgYellow).FprintfFunc()
		yellow(os.Stderr, "Warning: Skipping TLS certificate verification (--insecure). This is potentially unsafe!\n")
	}

	httpClient, err := client.NewHTTPClient(client.Options{
		IPv4Only:  cfg.IPv4Only,
		IPv6Only:  cfg.IPv6Only,
		Interface: cfg.Interface,
		Insecure:  cfg.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating HTTP client: %v\n", err)
		handleClientError(err, cfg.Interface)
		os.Exit(1)
	}

	var gps sensor.Sensor
	if cfg.Sensor != "" {
		nmeaSensor, err := sensor.NewNMEA(cfg.Sensor, sensor.WithUERE(cfg.UERE))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening sensor: %v\n", err)
			os.Exit(2)
		}
		defer nmeaSensor.Close()
		if !nmeaSensor.Secure() && !cfg.JSON {
			yellow := color.New(color.FgYellow).FprintfFunc()
			yellow(os.Stderr, "Warning: Sensor %s is reached over plain TCP; reads will be refused. Use tls:// or a loopback address.\n", cfg.Sensor)
		}
		gps = nmeaSensor
	}

	ip := &location.IPLocator{
		Client:    httpClient,
		Providers: cfg.Providers,
		Normalizer: &location.Normalizer{
			Client:   httpClient,
			Fallback: cfg.Fallback,
			Bands:    cfg.Bands,
		},
	}
	cascade := &location.Cascade{
		Sensor: gps,
		IP:     ip,
		High:   sensor.Request{HighAccuracy: true, Timeout: cfg.HighTimeout},
		Low:    sensor.Request{HighAccuracy: false, Timeout: cfg.LowTimeout, MaximumAge: cfg.LowMaxAge},
	}

	var mobile location.MobileAcquirer
	if cfg.ProxyURL != "" {
		mobile = &location.MobileProxy{Client: httpClient, URL: cfg.ProxyURL, Timeout: cfg.ProxyTimeout}
	}
	orch := location.NewOrchestrator(cascade, mobile)

	var broker mqtt.Client
	if cfg.MQTTBroker != "" {
		broker, err = relay.Connect(cfg.MQTTBroker)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to MQTT broker: %v\n", err)
			os.Exit(1)
		}
		defer broker.Disconnect(250)
		orch.Subscribe(relay.NewPublisher(broker, cfg.MQTTFixTopic).Handle)
	}

	var centers []data.Center
	if cfg.CentersFile != "" {
		if centers, err = server.LoadCenters(cfg.CentersFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading centers: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Serve != "" {
		opts := []server.Option{server.WithCenters(centers)}
		if broker != nil {
			store := relay.NewMobileStore(mobileFixMaxAge)
			if err := store.Subscribe(broker, cfg.MQTTMobileTopic); err != nil {
				slog.Error("subscribing to mobile fixes", "topic", cfg.MQTTMobileTopic, "error", err)
				os.Exit(1)
			}
			opts = append(opts, server.WithMobileStore(store))
		}
		if cfg.Manual != nil {
			if _, err := orch.SetManual(cfg.Manual[0], cfg.Manual[1]); err != nil {
				slog.Error("invalid manual position", "error", err)
				os.Exit(2)
			}
		}

		err := server.NewServer(cfg.Serve, orch, opts...).Run(ctx)
		orch.Wait()
		if err != nil {
			slog.Error("web server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	snap := resolve(ctx, cfg, orch)
	if snap.Status == location.StatusResolved && len(centers) > 0 && !cfg.JSON {
		c, meters, _ := geo.Nearest(snap.Fix.Latitude, snap.Fix.Longitude, centers)
		output.PrintNearest(os.Stdout, c, meters)
	}
	if cfg.JSON {
		output.OutputJSON(server.NewLocationView(snap))
	}

	// Superseded runs may still be in flight.
	orch.Wait()
	if snap.Status != location.StatusResolved {
		os.Exit(1)
	}
}

// setupLogging routes slog, and through it the log package, to stderr. The
// service logs JSON; the terminal only shows warnings unless --debug.
func setupLogging(cfg *config.Config) {
	level := slog.LevelWarn
	if cfg.Serve != "" {
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Serve != "" || cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resolve runs the path the flags ask for and, on failure in an interactive
// terminal, offers manual entry, the mobile proxy or a retry.
func resolve(ctx context.Context, cfg *config.Config, orch *location.Orchestrator) location.Snapshot {
	switch {
	case cfg.Manual != nil:
		if _, err := orch.SetManual(cfg.Manual[0], cfg.Manual[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	case cfg.Mobile:
		orch.RequestMobile(ctx)
	default:
		orch.RequestAutomatic(ctx)
	}

	for {
		snap := await(ctx, cfg, orch)
		if snap.Status == location.StatusResolved {
			if !cfg.JSON {
				output.PrintFix(os.Stdout, *snap.Fix)
			}
			return snap
		}
		if cfg.JSON || ctx.Err() != nil {
			return snap
		}

		if snap.Failure != nil {
			output.PrintFailure(os.Stdout, snap.Failure)
			if snap.Failure.Insecure {
				fmt.Fprintln(os.Stderr, "Hint: Reach the sensor over tls:// or through a loopback address.")
			}
		}

		choice, err := output.ChooseFallback(cfg.ProxyURL != "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return snap
		}
		switch choice {
		case output.ChoiceManual:
			lat, lng, err := output.PromptCoordinates()
			if err != nil {
				if !errors.Is(err, promptui.ErrInterrupt) && !errors.Is(err, promptui.ErrEOF) {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
				return snap
			}
			if _, err := orch.SetManual(lat, lng); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case output.ChoiceMobile:
			orch.RequestMobile(ctx)
		case output.ChoiceRetry:
			orch.RequestAutomatic(ctx)
		default:
			return snap
		}
	}
}

// await blocks until the current request settles, showing the cascade
// step meanwhile.
func await(ctx context.Context, cfg *config.Config, orch *location.Orchestrator) location.Snapshot {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		output.ProgressReporter(func() string {
			return "Locating: " + describe(orch.Snapshot().Cascade)
		}, done, cfg.JSON)
	}()

	snap, err := orch.Await(ctx)
	close(done)
	<-finished
	if err != nil {
		// Interrupted; report whatever is current.
		return orch.Snapshot()
	}
	return snap
}

func describe(s location.State) string {
	switch s {
	case location.StateRequestingHighAccuracy:
		return "waiting for a precise GPS fix..."
	case location.StateRequestingLowAccuracy:
		return "waiting for any GPS fix..."
	case location.StateEscalatedIP:
		return "asking IP geolocation providers..."
	default:
		return "working..."
	}
}

func handleClientError(err error, iface string) {
	if strings.Contains(err.Error(), "failed to find interface") {
		fmt.Fprintln(os.Stderr, "Hint: Ensure the specified interface name exists and is correct.")
	} else if strings.Contains(err.Error(), "no suitable") {
		fmt.Fprintf(os.Stderr, "Hint: Check if interface %q has an IP address matching the requested family (IPv4/IPv6).\n", iface)
	} else if _, ok := err.(*net.DNSError); ok || strings.Contains(err.Error(), "DNS resolution failed") {
		fmt.Fprintln(os.Stderr, "Hint: Check network connectivity and DNS settings. Try forcing IPv4 (-4) or IPv6 (-6).")
	} else if strings.Contains(err.Error(), "certificate") {
		fmt.Fprintln(os.Stderr, "Hint: System's root CA certificates might be missing or outdated.")
		fmt.Fprintln(os.Stderr, "Hint: If you trust the network, try the --insecure flag (use with caution).")
	}
}
