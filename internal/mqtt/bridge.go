//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshgate/internal/atcmd"
	"meshgate/internal/coordinator"
	"meshgate/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the mesh coordinator to MQTT with HA autodiscovery.
// Device state is published retained under <prefix>/device/<key>; commands
// arrive on <prefix>/device/<key>/set and <prefix>/bridge/pair.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	// Discovery is republished when a bulb's brightness framing changes,
	// so the last advertised flag is tracked per key.
	mu         sync.Mutex
	discovered map[string]bool // key -> supports_brightness as advertised
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:      coord,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("meshgate").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			// Availability tracks the serial link, not just the broker
			// session. A later gateway event corrects it either way.
			if b.coord.Link().Connected() {
				b.publishBridgeState("online")
			} else {
				b.publishBridgeState("offline")
			}
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventDeviceAdded:
		if dev, ok := event.Data.(*store.Device); ok {
			b.maybePublishDiscovery(dev)
			b.subscribeDeviceCommands(dev)
			b.publishDeviceState(dev)
		}
	case coordinator.EventDeviceUpdated:
		if dev, ok := event.Data.(*store.Device); ok {
			b.maybePublishDiscovery(dev)
			b.publishDeviceState(dev)
		}
	case coordinator.EventDeviceRemoved:
		if dev, ok := event.Data.(*store.Device); ok {
			b.handleDeviceRemoved(dev)
		}
	case coordinator.EventGatewayState:
		if state, ok := event.Data.(string); ok {
			if state == "connected" {
				b.publishBridgeState("online")
			} else {
				b.publishBridgeState("offline")
			}
		}
	}
}

func (b *Bridge) handleDeviceRemoved(dev *store.Device) {
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear the retained state document as well.
	b.publish(deviceStateTopic(b.prefix, dev), nil, true)

	b.mu.Lock()
	delete(b.discovered, dev.Key)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Registry().List()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.maybePublishDiscovery(dev)
		b.publishDeviceState(dev)
	}
}

// maybePublishDiscovery publishes the HA configs for a device unless the
// current advertisement already matches. Brightness support is the only
// capability that changes after creation, so it doubles as the signature.
func (b *Bridge) maybePublishDiscovery(dev *store.Device) {
	want := dev.BoolProp(store.PropSupportsBrightness)

	b.mu.Lock()
	have, seen := b.discovered[dev.Key]
	if seen && have == want {
		b.mu.Unlock()
		return
	}
	b.discovered[dev.Key] = want
	b.mu.Unlock()

	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "key", dev.Key, "name", deviceDisplayName(dev))
}

func (b *Bridge) publishDeviceState(dev *store.Device) {
	b.publish(deviceStateTopic(b.prefix, dev), mustJSON(deviceStateDoc(dev)), true)
}

func (b *Bridge) subscribeCommands() {
	b.subscribePairing()

	devices, err := b.coord.Registry().List()
	if err != nil {
		b.logger.Error("list devices for command subscription", "err", err)
		return
	}
	for _, dev := range devices {
		b.subscribeDeviceCommands(dev)
	}
}

func (b *Bridge) subscribePairing() {
	topic := b.prefix + "/bridge/pair"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.logger.Info("pairing requested over MQTT")
		if err := b.coord.SendPairing(); err != nil {
			b.logger.Warn("pairing command failed", "err", err)
		}
	})
}

func (b *Bridge) subscribeDeviceCommands(dev *store.Device) {
	topic := deviceStateTopic(b.prefix, dev) + "/set"
	key := dev.Key
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(key, msg.Payload())
	})
}

func (b *Bridge) handleCommand(key string, payload []byte) {
	dev, err := b.coord.Registry().Get(key)
	if err != nil {
		b.logger.Warn("command for unknown device", "key", key)
		return
	}
	if dev.Class == store.ClassSwitch {
		// Mesh switches report activation but accept no commands.
		b.logger.Warn("ignoring command for read-only switch", "key", key)
		return
	}
	class, ok := atcmd.ParseClass(dev.Class)
	if !ok {
		b.logger.Warn("command for device with unknown class", "key", key, "class", dev.Class)
		return
	}

	on, level, err := parseControl(payload, dev.BoolProp(store.PropLightState))
	if err != nil {
		b.logger.Warn("invalid command", "key", key, "err", err)
		return
	}

	if err := b.coord.SendControl(class, dev.Addr, on, level); err != nil {
		b.logger.Warn("control command failed", "key", key, "err", err)
		return
	}

	// Optimistic echo; the device's own state report follows on the wire.
	echo := *dev
	echo.Properties = make(map[string]any, len(dev.Properties)+2)
	for k, v := range dev.Properties {
		echo.Properties[k] = v
	}
	echo.SetProp(store.PropLightState, on)
	if level != nil {
		echo.SetProp(store.PropBrightness, *level)
	}
	b.publishDeviceState(&echo)
}

// parseControl decodes a HA JSON light command. TOGGLE is resolved locally
// against the current state; a bare brightness implies the light is on.
func parseControl(payload []byte, currentOn bool) (on bool, level *int, err error) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return false, nil, fmt.Errorf("decode command: %w", err)
	}

	explicit := false
	if s, ok := cmd["state"].(string); ok {
		explicit = true
		switch strings.ToUpper(s) {
		case "ON":
			on = true
		case "OFF":
			on = false
		case "TOGGLE":
			on = !currentOn
		default:
			return false, nil, fmt.Errorf("unknown state %q", s)
		}
	}

	if f, ok := toFloat64(cmd["brightness"]); ok {
		v := atcmd.ClampBrightness(int(f))
		level = &v
		if !explicit {
			on = true
		}
	}

	if !explicit && level == nil {
		return false, nil, fmt.Errorf("command carries neither state nor brightness")
	}
	return on, level, nil
}

// deviceStateDoc renders the retained state document for a device: the
// property bag plus derived fields consumed by the HA entities.
func deviceStateDoc(dev *store.Device) map[string]any {
	doc := make(map[string]any, len(dev.Properties)+4)
	for k, v := range dev.Properties {
		doc[k] = v
	}
	doc["state"] = onOffWord(deviceActive(dev))
	doc["status"] = dev.Status
	if !dev.LastSeen.IsZero() {
		doc["last_seen"] = dev.LastSeen.UTC().Format(time.RFC3339)
	}
	if dev.Class == store.ClassBulb && dev.BoolProp(store.PropSupportsBrightness) {
		if v, ok := dev.IntProp(store.PropBrightness); ok {
			doc["brightness_pct"] = v * 100 / 255
		}
	}
	return doc
}

// deviceActive resolves the ON/OFF word for the state document. Sustained
// switches signal activation by staying connected, so presence drives them
// rather than the last reported switch_state.
func deviceActive(dev *store.Device) bool {
	switch dev.Class {
	case store.ClassBulb:
		return dev.BoolProp(store.PropLightState)
	case store.ClassSwitch:
		if code, ok := dev.IntProp(store.PropSubtypeCode); ok && code == store.SubtypeSustained {
			return dev.Status == store.StatusConnected
		}
		return dev.BoolProp(store.PropSwitchState)
	}
	return false
}

func onOffWord(active bool) string {
	if active {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
