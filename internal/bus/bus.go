// Package bus bridges the device's publish/subscribe verbs to an external
// MQTT broker via github.com/eclipse/paho.mqtt.golang. None of the example
// repos in the retrieval pack ship an MQTT client, so this is the
// ecosystem's standard one; see DESIGN.md.
//
// The bridge tracks its subscription set independently of connection
// state, so the first connect and every reconnect replay every topic the
// device has asked for, including topics tracked before Connect was
// called. If the broker is unreachable when Connect is called, Connect
// returns an error; it does not keep retrying in the background.
package bus

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	log "github.com/ryanrsrs/luatt/pkg/llog"
)

// Writer is the subset of *router.Router the bridge needs to deliver
// inbound bus messages back to the device.
type Writer interface {
	Write(token string, fields ...[]byte) error
}

// Bridge implements router.Bus against a real MQTT broker.
type Bridge struct {
	w Writer

	mu     sync.Mutex
	subs   map[string]struct{}
	client mqtt.Client
}

// New creates a Bridge that will deliver inbound messages through w. Call
// Connect to actually dial the broker.
func New(w Writer) *Bridge {
	return &Bridge{w: w, subs: make(map[string]struct{})}
}

// Connect dials broker (host[:port], default port 1883) and installs
// connect/reconnect handlers that replay the current subscription set.
func (b *Bridge) Connect(broker string) error {
	addr := broker
	if !hasPort(addr) {
		addr = addr + ":1883"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + addr)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("bus: connected to %s", addr)
		b.resubscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("bus: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("bus: connect to %s timed out", addr)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: connect to %s: %w", addr, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// Pub forwards a device-originated publish to the broker. If no client is
// connected the call is logged and dropped.
func (b *Bridge) Pub(topic string, payload []byte) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil || !client.IsConnected() {
		log.Warn("bus: pub %s dropped, not connected", topic)
		return
	}
	client.Publish(topic, 0, false, payload)
}

// Sub adds topic to the subscription set and, if connected, subscribes
// immediately.
func (b *Bridge) Sub(topic string) {
	b.mu.Lock()
	b.subs[topic] = struct{}{}
	client := b.client
	b.mu.Unlock()

	if client == nil || !client.IsConnected() {
		log.Warn("bus: sub %s tracked, not connected", topic)
		return
	}
	b.subscribe(client, topic)
}

// Unsub removes topic from the subscription set (or every topic, for the
// wildcard "*") and unsubscribes on the broker if connected.
func (b *Bridge) Unsub(topic string) {
	b.mu.Lock()
	client := b.client
	var topics []string
	if topic == "*" {
		for t := range b.subs {
			topics = append(topics, t)
		}
		b.subs = make(map[string]struct{})
	} else {
		delete(b.subs, topic)
		topics = []string{topic}
	}
	b.mu.Unlock()

	if client == nil || !client.IsConnected() || len(topics) == 0 {
		return
	}
	token := client.Unsubscribe(topics...)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Warn("bus: unsubscribe %v: %v", topics, token.Error())
		}
	}()
}

func (b *Bridge) resubscribeAll(client mqtt.Client) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		b.subscribe(client, t)
	}
}

func (b *Bridge) subscribe(client mqtt.Client, topic string) {
	token := client.Subscribe(topic, 0, b.onMessage)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Warn("bus: subscribe %s: %v", topic, token.Error())
		}
	}()
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := b.w.Write("noret", []byte("msg"), []byte(msg.Topic()), msg.Payload()); err != nil {
		log.Error("bus: forwarding message on %s: %v", msg.Topic(), err)
	}
}

func hasPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == ']' {
			return false
		}
	}
	return false
}
