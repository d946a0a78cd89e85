package sensor

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/gwatts/rootcerts"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/idanyas/geofix/internal/data"
)

const (
	defaultBaudRate = 9600
	defaultUERE     = 5.0 // meters of user equivalent range error per unit of HDOP
	// HDOP assumed for RMC-only fixes, before any GGA has reported one.
	rmcFallbackHDOP = 10.0
	dialTimeout     = 5 * time.Second
)

// NMEA reads NMEA 0183 sentences from a serial device, a TCP stream or a TLS
// stream. The stream is opened lazily on the first Read and reopened after
// it fails.
type NMEA struct {
	source   string
	open     func(ctx context.Context) (io.ReadCloser, error)
	insecure bool
	uere     float64
	now      func() time.Time

	mu        sync.Mutex
	stream    io.ReadCloser
	opening   *openAttempt
	closed    bool
	streamErr error
	hdop      float64
	last      *Reading // any valid fix
	precise   *Reading // GGA fix of GPS quality or better
	updated   chan struct{}
}

// NMEAOption configures an NMEA sensor.
type NMEAOption func(*NMEA)

// WithUERE sets the range error multiplied with HDOP to estimate accuracy.
func WithUERE(meters float64) NMEAOption {
	return func(n *NMEA) {
		if meters > 0 {
			n.uere = meters
		}
	}
}

// NewNMEA builds a sensor for source, which is one of
//
//	/dev/ttyUSB0
//	serial:///dev/ttyUSB0?baud=4800
//	tcp://127.0.0.1:10110
//	tls://gps.example.org:10110
//
// Plain TCP to anything but a loopback host is an insecure context: the
// sensor is created but every Read fails with data.ErrInsecureContext.
func NewNMEA(source string, opts ...NMEAOption) (*NMEA, error) {
	n := &NMEA{source: source, uere: defaultUERE, now: time.Now, updated: make(chan struct{})}

	if strings.HasPrefix(source, "/") {
		source = "serial://" + source
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid sensor source %q: %w", n.source, err)
	}

	switch u.Scheme {
	case "serial":
		baud := defaultBaudRate
		if b := u.Query().Get("baud"); b != "" {
			if baud, err = strconv.Atoi(b); err != nil || baud <= 0 {
				return nil, fmt.Errorf("invalid baud rate %q", b)
			}
		}
		path := u.Path
		n.open = func(context.Context) (io.ReadCloser, error) {
			return serial.Open(serial.OpenOptions{
				PortName:        path,
				BaudRate:        uint(baud),
				DataBits:        8,
				StopBits:        1,
				MinimumReadSize: 1,
				ParityMode:      serial.PARITY_NONE,
			})
		}
	case "tcp":
		if u.Port() == "" {
			return nil, fmt.Errorf("sensor source %q has no port", n.source)
		}
		addr := u.Host
		n.insecure = !isLoopback(u.Hostname())
		n.open = func(ctx context.Context) (io.ReadCloser, error) {
			d := &net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	case "tls":
		if u.Port() == "" {
			return nil, fmt.Errorf("sensor source %q has no port", n.source)
		}
		addr, host := u.Host, u.Hostname()
		n.open = func(ctx context.Context) (io.ReadCloser, error) {
			d := &tls.Dialer{
				NetDialer: &net.Dialer{Timeout: dialTimeout},
				Config:    &tls.Config{ServerName: host, RootCAs: rootcerts.ServerCertPool()},
			}
			return d.DialContext(ctx, "tcp", addr)
		}
	default:
		return nil, fmt.Errorf("unsupported sensor source scheme %q", u.Scheme)
	}

	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Secure reports whether the sensor is reached over a secure transport.
func (n *NMEA) Secure() bool { return !n.insecure }

func (n *NMEA) String() string { return n.source }

// Read waits for a reading that satisfies req.
func (n *NMEA) Read(ctx context.Context, req Request) (Reading, error) {
	if n.insecure {
		return Reading{}, data.ErrInsecureContext
	}
	since := n.now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if err := n.ensureStream(ctx); err != nil {
		return Reading{}, err
	}

	for {
		n.mu.Lock()
		r := n.pick(req.HighAccuracy)
		streamErr := n.streamErr
		updated := n.updated
		n.mu.Unlock()

		if r != nil {
			age := since.Sub(r.Timestamp)
			if !r.Timestamp.Before(since) || (req.MaximumAge > 0 && age <= req.MaximumAge) {
				return *r, nil
			}
		}
		if streamErr != nil {
			return Reading{}, fmt.Errorf("%w: %v", data.ErrSensorUnavailable, streamErr)
		}

		select {
		case <-updated:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Reading{}, data.ErrSensorTimeout
			}
			return Reading{}, ctx.Err()
		}
	}
}

func (n *NMEA) pick(high bool) *Reading {
	if high {
		return n.precise
	}
	return n.last
}

// ensureStream waits for the stream to be open. Opening runs in the
// background so a device that hangs in open cannot hold up a Read past its
// deadline; concurrent readers share a single attempt.
func (n *NMEA) ensureStream(ctx context.Context) error {
	n.mu.Lock()
	if n.stream != nil {
		n.mu.Unlock()
		return nil
	}
	op := n.opening
	if op == nil {
		op = &openAttempt{done: make(chan struct{})}
		n.opening = op
		go n.openStream(op)
	}
	n.mu.Unlock()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return data.ErrSensorTimeout
		}
		return ctx.Err()
	}
}

type openAttempt struct {
	done chan struct{}
	err  error
}

func (n *NMEA) openStream(op *openAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	rc, err := n.open(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	defer close(op.done)
	n.opening = nil

	switch {
	case err != nil && errors.Is(err, fs.ErrPermission):
		op.err = fmt.Errorf("%w: %v", data.ErrPermissionDenied, err)
	case err != nil:
		op.err = fmt.Errorf("%w: %v", data.ErrSensorUnavailable, err)
	case n.closed:
		rc.Close()
		op.err = fmt.Errorf("%w: sensor closed", data.ErrSensorUnavailable)
	default:
		n.stream = rc
		n.streamErr = nil
		go n.consume(rc)
	}
}

func (n *NMEA) consume(rc io.ReadCloser) {
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			// partial or noisy sentences are common right after opening
			continue
		}
		n.handle(sentence)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	log.Printf("NMEA stream %s closed: %v", n.source, err)

	n.mu.Lock()
	if n.stream == rc {
		n.stream.Close()
		n.stream = nil
		n.streamErr = err
		n.notify()
	}
	n.mu.Unlock()
}

func (n *NMEA) handle(sentence nmea.Sentence) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch sentence.DataType() {
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		switch m.FixQuality {
		case nmea.GPS, nmea.DGPS, nmea.RTK, nmea.FRTK:
		default:
			return
		}
		if m.HDOP > 0 {
			n.hdop = m.HDOP
		}
		r := &Reading{
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
			AccuracyMeters: n.uere * n.effectiveHDOP(),
			Timestamp:      n.now(),
		}
		n.precise = r
		n.last = r
		n.notify()
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return
		}
		n.last = &Reading{
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
			AccuracyMeters: n.uere * n.effectiveHDOP(),
			Timestamp:      n.now(),
		}
		n.notify()
	}
}

func (n *NMEA) effectiveHDOP() float64 {
	if n.hdop > 0 {
		return n.hdop
	}
	return rmcFallbackHDOP
}

// notify wakes every waiting Read. Callers hold n.mu.
func (n *NMEA) notify() {
	close(n.updated)
	n.updated = make(chan struct{})
}

// Close releases the underlying stream.
func (n *NMEA) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.stream == nil {
		return nil
	}
	err := n.stream.Close()
	n.stream = nil
	return err
}
