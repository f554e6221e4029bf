// Package telemetry publishes server lifecycle notifications over MQTT
// for external monitoring. It is optional and disabled by default.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/util"
)

// MQTT topics.
const (
	TopicServerAdmin  = "retrotalk/admin"
	TopicServerStatus = "retrotalk/status"
	TopicPresence     = "retrotalk/presence"
	TopicRooms        = "retrotalk/rooms"
)

// MQTTBridge forwards bus events to an MQTT broker.
type MQTTBridge struct {
	mu sync.Mutex

	cfg    *config.Config
	bus    *events.Bus
	client mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTBridge creates the telemetry bridge. Returns an error when
// MQTT is disabled in the configuration.
func NewMQTTBridge(cfg *config.Config, bus *events.Bus) (*MQTTBridge, error) {
	mqttCfg := cfg.MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.OS,
		"server_name": cfg.Server.Name,
	}

	b := &MQTTBridge{
		cfg:      cfg,
		bus:      bus,
		metadata: metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("retrotalk-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)

	return b, nil
}

// Start connects to the broker and forwards events until ctx is done.
func (b *MQTTBridge) Start(ctx context.Context) error {
	log.Info().
		Str("broker", b.cfg.MQTT.BrokerURL).
		Int("port", b.cfg.MQTT.Port).
		Msg("connecting to MQTT broker")

	token := b.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	b.subscribeEvents()

	<-ctx.Done()

	b.publishShutdown()
	b.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (b *MQTTBridge) subscribeEvents() {
	b.bus.Subscribe(events.EventUserConnected, "mqtt.userConnected", b.onPresence("user_connected"))
	b.bus.Subscribe(events.EventUserDisconnected, "mqtt.userDisconnected", b.onPresence("user_disconnected"))
	b.bus.Subscribe(events.EventRoomCreated, "mqtt.roomCreated", b.onRoom("room_created"))
	b.bus.Subscribe(events.EventRoomDeleted, "mqtt.roomDeleted", b.onRoom("room_deleted"))
	b.bus.Subscribe(events.EventMembershipChanged, "mqtt.membership", b.onRoom("membership_changed"))
	b.bus.Subscribe(events.EventAnnouncement, "mqtt.announcement", b.onAnnouncement)
}

// publish sends a JSON message to an MQTT topic at QoS 1.
func (b *MQTTBridge) publish(topic string, payload interface{}) {
	if !b.client.IsConnected() {
		return
	}

	msg := b.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := b.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (b *MQTTBridge) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})
	for k, v := range b.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (b *MQTTBridge) onPresence(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		b.publish(TopicPresence, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (b *MQTTBridge) onRoom(kind string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		b.publish(TopicRooms, map[string]interface{}{
			"event":   kind,
			"payload": event.Payload,
		})
		return nil
	}
}

func (b *MQTTBridge) onAnnouncement(ctx context.Context, event events.Event) error {
	b.publish(TopicServerStatus, event.Payload)
	return nil
}

func (b *MQTTBridge) publishShutdown() {
	b.publish(TopicServerAdmin, map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
