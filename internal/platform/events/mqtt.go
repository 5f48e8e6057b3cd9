package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultQueueSize      = 64
	defaultPublishTimeout = 2 * time.Second
	connectTimeout        = 5 * time.Second
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker   string
	ClientID string
	// Topic is the prefix; events go to Topic/<type>.
	Topic string
	QoS   byte
}

// MQTTPublisher queues events and publishes them from a single goroutine so
// that a slow broker never stalls the caller.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	log     *slog.Logger

	queue chan message
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	closed    bool
	published uint64
	failed    uint64
}

type message struct {
	topic   string
	payload []byte
}

// NewMQTT connects to the broker and starts the publish worker.
func NewMQTT(cfg MQTTConfig, log *slog.Logger) (*MQTTPublisher, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", slog.String("broker", broker), slog.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", slog.String("broker", broker), slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("events: mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: mqtt connect to %s: %w", broker, err)
	}
	return newMQTTPublisher(client, cfg.Topic, cfg.QoS, log), nil
}

func newMQTTPublisher(client mqtt.Client, topic string, qos byte, log *slog.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		client:  client,
		topic:   topic,
		qos:     qos,
		timeout: defaultPublishTimeout,
		log:     log,
		queue:   make(chan message, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish encodes ev and queues it. It never waits for the broker.
func (p *MQTTPublisher) Publish(ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- message{topic: p.topic + "/" + string(ev.Type), payload: payload}:
		return nil
	default:
		p.failed++
		return ErrQueueFull
	}
}

func (p *MQTTPublisher) run() {
	defer close(p.done)
	for m := range p.queue {
		token := p.client.Publish(m.topic, p.qos, false, m.payload)
		var err error
		if !token.WaitTimeout(p.timeout) {
			err = fmt.Errorf("publish timeout")
		} else {
			err = token.Error()
		}

		p.mu.Lock()
		if err != nil {
			p.failed++
		} else {
			p.published++
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Warn("event publish failed", slog.String("topic", m.topic), slog.String("error", err.Error()))
			continue
		}
		p.log.Debug("event published", slog.String("topic", m.topic), slog.Int("size", len(m.payload)))
	}
}

// Stats returns how many events were published and how many were dropped or
// failed.
func (p *MQTTPublisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}

// Close drains the queue and disconnects.
func (p *MQTTPublisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		p.client.Disconnect(250)
	})
}
