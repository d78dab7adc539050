package mqtt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/pipeline"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// CaptureEvent is the broker wire format for an externally triggered capture.
// The frame arrives either inline (base64) or as a path under the spool dir.
type CaptureEvent struct {
	CaptureID string `json:"capture_id"`
	Owner     string `json:"owner,omitempty"`
	Image     string `json:"image,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Client subscribes to a capture topic and feeds decoded frames into the
// camera session.
type Client struct {
	config  config.MQTTConfig
	client  mqtt.Client
	session *pipeline.Session
}

// NewClient creates an MQTT capture source for the given session.
func NewClient(cfg config.MQTTConfig, session *pipeline.Session) *Client {
	return &Client{config: cfg, session: session}
}

// Start connects to the broker and subscribes to the capture topic.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT capture source is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()

	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		log.Info("MQTT capture source disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Infof("Connected to MQTT broker, subscribing to topic: %s", c.config.Topic)
	if token := client.Subscribe(c.config.Topic, 1, c.handleMessage); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", c.config.Topic, token.Error())
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Warnf("MQTT connection lost: %v", err)
}

// handleMessage decodes a capture event and submits its frame. A malformed
// event is logged and dropped; the subscription stays alive.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var event CaptureEvent
	if err := json.Unmarshal(msg.Payload(), &event); err != nil {
		log.WithError(err).Warnf("Ignoring malformed capture event on %s", msg.Topic())
		return
	}

	img, err := c.decodeFrame(event)
	if err != nil {
		log.WithError(err).WithField("capture_id", event.CaptureID).Warn("Ignoring capture event without usable frame")
		return
	}

	c.session.Submit(pipeline.Frame{
		Image:     img,
		CaptureID: event.CaptureID,
		Received:  time.Now(),
	})
}

func (c *Client) decodeFrame(event CaptureEvent) (image.Image, error) {
	switch {
	case event.Image != "":
		data, err := base64.StdEncoding.DecodeString(event.Image)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 frame: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline frame: %w", err)
		}
		return img, nil
	case event.ImagePath != "":
		f, err := os.Open(event.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open frame file: %w", err)
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame file: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("capture event carries no frame")
	}
}
