// Package relay bridges geofix and an MQTT broker: resolved fixes are
// published for other services, and fixes reported by paired mobile devices
// are collected to back the mobile location proxy.
package relay

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
	"github.com/idanyas/geofix/internal/location"
)

// broker is the part of mqtt.Client the relay uses.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Connect dials the broker with a unique client ID.
func Connect(url string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID("geofix-" + uuid.NewString()).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("connected to MQTT broker at %s", url)
	return client, nil
}

// FixMessage is the retained payload published for every resolved fix.
type FixMessage struct {
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	Source         data.Source `json:"source"`
	AccuracyMeters *float64    `json:"accuracy_meters,omitempty"`
	Estimated      bool        `json:"estimated,omitempty"`
	Geohash        string      `json:"geohash"`
	AcquiredAt     time.Time   `json:"acquired_at"`
}

// Publisher publishes resolved fixes. Attach Handle to the orchestrator
// with Subscribe.
type Publisher struct {
	client broker
	topic  string

	mu      sync.Mutex
	lastGen uint64
}

func NewPublisher(client broker, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

// Handle publishes snap if it carries a resolved fix of a generation newer
// than the last one published. It does not wait for the broker.
func (p *Publisher) Handle(snap location.Snapshot) {
	if snap.Status != location.StatusResolved || snap.Fix == nil {
		return
	}
	p.mu.Lock()
	// A retained fix of an older generation must never replace a newer one.
	if snap.Generation <= p.lastGen {
		p.mu.Unlock()
		return
	}
	p.lastGen = snap.Generation
	p.mu.Unlock()

	f := snap.Fix
	payload, err := json.Marshal(FixMessage{
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Source:         f.Source,
		AccuracyMeters: f.AccuracyMeters,
		Estimated:      f.Estimated,
		Geohash:        geo.Geohash(f.Latitude, f.Longitude, 9),
		AcquiredAt:     f.AcquiredAt,
	})
	if err != nil {
		log.Printf("fix JSON marshal error: %v", err)
		return
	}

	token := p.client.Publish(p.topic, 1, true, payload)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Printf("fix publish error: %v", token.Error())
		}
	}()
}

// DeviceFix is what a mobile device publishes on its topic.
type DeviceFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type deviceEntry struct {
	fix      DeviceFix
	received time.Time
}

// MobileStore keeps the latest fix of each mobile device and answers the
// mobile proxy contract from it.
type MobileStore struct {
	MaxAge time.Duration
	Now    func() time.Time

	mu      sync.RWMutex
	devices map[string]deviceEntry
}

func NewMobileStore(maxAge time.Duration) *MobileStore {
	return &MobileStore{MaxAge: maxAge, Now: time.Now, devices: make(map[string]deviceEntry)}
}

// Subscribe routes device messages matching filter into the store.
func (s *MobileStore) Subscribe(client broker, filter string) error {
	token := client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.Handle(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("subscribed to MQTT topic %s", filter)
	return nil
}

// Handle records a device message. The device ID is the last topic level.
func (s *MobileStore) Handle(topic string, payload []byte) {
	var fix DeviceFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		log.Printf("MQTT payload unmarshal error on %s: %v", topic, err)
		return
	}
	if !geo.Validate(fix.Latitude, fix.Longitude) {
		log.Printf("ignoring invalid device fix on %s: %v,%v", topic, fix.Latitude, fix.Longitude)
		return
	}
	device := topic[strings.LastIndex(topic, "/")+1:]

	s.mu.Lock()
	s.devices[device] = deviceEntry{fix: fix, received: s.Now()}
	s.mu.Unlock()
}

// Response answers a proxy request for device, or for the most recently
// heard device when device is empty.
func (s *MobileStore) Response(device string) location.ProxyResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry deviceEntry
		found bool
	)
	if device != "" {
		entry, found = s.devices[device]
	} else {
		for _, e := range s.devices {
			if !found || e.received.After(entry.received) {
				entry, found = e, true
			}
		}
	}

	if !found {
		return location.ProxyResponse{Success: false, Message: "No mobile device has reported a location"}
	}
	if s.MaxAge > 0 && s.Now().Sub(entry.received) > s.MaxAge {
		return location.ProxyResponse{Success: false, Message: "The mobile device has not reported a recent location"}
	}

	lat, lng := entry.fix.Latitude, entry.fix.Longitude
	return location.ProxyResponse{
		Success: true,
		Data:    &location.ProxyPayload{Latitude: &lat, Longitude: &lng},
	}
}
