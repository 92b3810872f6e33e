// Package publish fans scan events out to an MQTT broker so other systems
// (home automation, audit collectors) can react to tag captures without
// polling the daemon. Publishing is fire-and-forget: broker outages never
// block or fail a scan.
package publish

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"nfcscan/scanlog"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ScanEvent is the wire format of one published capture.
type ScanEvent struct {
	Timestamp  string `json:"timestamp"`
	Summary    string `json:"summary"`
	RawPayload string `json:"rawPayload"`
}

// Client publishes scan events to an MQTT broker.
//
// The Paho library owns reconnection; a capture that happens while the broker
// is down is dropped with a log line. QoS 0 keeps the publish path
// non-blocking.
type Client struct {
	broker string
	port   int
	topic  string
	client mqtt.Client
}

// NewClient prepares a publisher for the given broker and topic.
func NewClient(broker string, port int, topic string) *Client {
	return &Client{
		broker: broker,
		port:   port,
		topic:  topic,
	}
}

// Connect establishes the broker connection with auto-reconnect enabled.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.broker, c.port)
	opts.AddBroker(brokerURL)

	// Timestamped client ID so restarts never collide with a lingering session.
	opts.SetClientID(fmt.Sprintf("nfcscan-%d", time.Now().Unix()))

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("publish: connected to MQTT broker at %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("publish: MQTT connection lost: %v", err)
	})

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish: connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// PublishScan sends one captured entry to the scan topic. Never blocks the
// caller beyond JSON encoding; delivery failures are logged and dropped.
func (c *Client) PublishScan(e scanlog.Entry) {
	if c.client == nil || !c.client.IsConnected() {
		log.Printf("publish: broker not connected, dropping scan event")
		return
	}
	payload, err := EncodeScanEvent(e)
	if err != nil {
		log.Printf("publish: encode scan event: %v", err)
		return
	}
	c.client.Publish(c.topic, 0, false, payload)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Close disconnects from the broker, waiting briefly for in-flight messages.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// EncodeScanEvent builds the JSON body for one entry.
func EncodeScanEvent(e scanlog.Entry) ([]byte, error) {
	return jsonAPI.Marshal(ScanEvent{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Summary:    e.Summary,
		RawPayload: e.RawPayload,
	})
}
