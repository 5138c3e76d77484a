package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/crashbit/pvpccheapd/internal/logger"
)

// MQTTConfig holds broker connection and topic settings.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	CommandTimeout   time.Duration
	ConnectAttempts  int
	ConnectBaseDelay time.Duration
}

// DefaultMQTTConfig returns the defaults used when the config file
// leaves fields unset.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		TopicPrefix:      "pvpccheap/devices",
		CommandTimeout:   5 * time.Second,
		ConnectAttempts:  5,
		ConnectBaseDelay: 5 * time.Second,
	}
}

// MQTTController drives smart plugs over MQTT. Commands go to
// <prefix>/<device>/set as ON/OFF; devices report their state on
// <prefix>/<device>/state (retained), which feeds the local state
// cache used for fast-path skips and the safety check.
type MQTTController struct {
	cfg    MQTTConfig
	log    *logger.Logger
	client mqtt.Client

	mu     sync.RWMutex
	states map[string]bool
}

// NewMQTT creates the controller without connecting. Connect must be
// called before commands are sent.
func NewMQTT(cfg MQTTConfig, log *logger.Logger) (*MQTTController, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker URL is required")
	}
	def := DefaultMQTTConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectBaseDelay <= 0 {
		cfg.ConnectBaseDelay = def.ConnectBaseDelay
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pvpccheapd"
	}

	c := &MQTTController{
		cfg:    cfg,
		log:    log,
		states: make(map[string]bool),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.subscribeStates(client)
	})
	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect dials the broker, retrying with a doubling delay. A broker
// that stays unreachable through all attempts is fatal for startup;
// the supervisor decides whether to restart.
func (c *MQTTController) Connect(ctx context.Context) error {
	delay := c.cfg.ConnectBaseDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		token := c.client.Connect()
		if token.WaitTimeout(c.cfg.CommandTimeout) && token.Error() == nil {
			c.log.Info("connected to mqtt broker",
				logger.Field{Key: "broker", Value: c.cfg.BrokerURL})
			return nil
		}
		lastErr = token.Error()
		if lastErr == nil {
			lastErr = fmt.Errorf("connect timed out")
		}
		c.log.Warn("mqtt connect attempt failed",
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: lastErr})

		if attempt == c.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("mqtt connect failed after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

// Close disconnects from the broker.
func (c *MQTTController) Close() {
	c.client.Disconnect(250)
}

func (c *MQTTController) subscribeStates(client mqtt.Client) {
	topic := c.cfg.TopicPrefix + "/+/state"
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.updateState(msg.Topic(), msg.Payload())
	})
	if token.WaitTimeout(c.cfg.CommandTimeout) && token.Error() != nil {
		c.log.Error("state subscription failed", token.Error(),
			logger.Field{Key: "topic", Value: topic})
	}
}

func (c *MQTTController) updateState(topic string, payload []byte) {
	deviceID, ok := deviceIDFromStateTopic(c.cfg.TopicPrefix, topic)
	if !ok {
		return
	}
	on, ok := parseStatePayload(payload)
	if !ok {
		c.log.Warn("ignoring unparseable device state",
			logger.Field{Key: "device_id", Value: deviceID},
			logger.Field{Key: "payload", Value: string(payload)})
		return
	}

	c.mu.Lock()
	c.states[deviceID] = on
	c.mu.Unlock()
}

// SetOnOff publishes the command and waits for broker confirmation.
// The cache is updated optimistically on success; the retained state
// topic corrects it if the device disagrees.
func (c *MQTTController) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := commandTopic(c.cfg.TopicPrefix, deviceID)
	token := c.client.Publish(topic, 1, false, commandPayload(on))
	if err := awaitToken(ctx, token, c.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("command to %s: %w", deviceID, err)
	}

	c.mu.Lock()
	c.states[deviceID] = on
	c.mu.Unlock()
	return nil
}

// State returns the cached device state, nil when never observed.
func (c *MQTTController) State(_ context.Context, deviceID string) (*bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if on, ok := c.states[deviceID]; ok {
		v := on
		return &v, nil
	}
	return nil, nil
}

// awaitToken waits for broker confirmation, bounded by whichever of
// the context deadline and the configured timeout comes first.
func awaitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("broker confirmation timed out")
	}
	return token.Error()
}

func commandTopic(prefix, deviceID string) string {
	return prefix + "/" + deviceID + "/set"
}

func commandPayload(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func deviceIDFromStateTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	deviceID, ok := strings.CutSuffix(rest, "/state")
	if !ok || deviceID == "" || strings.Contains(deviceID, "/") {
		return "", false
	}
	return deviceID, true
}

func parseStatePayload(payload []byte) (on bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		return true, true
	case "OFF", "0", "FALSE":
		return false, true
	}
	return false, false
}
