// Package mqttconn adapts an MQTT session to the connection surface the
// sync engine consumes: subscribe, unsubscribe, liveness, plus hooks for
// reconnects and inbound messages. Connect retries run in the background so
// the gateway serves local clients through broker outages.
package mqttconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Shadow topics carry acknowledged state, so deliveries use at-least-once.
const subscribeQoS = 1

const (
	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = 60 * time.Second
	disconnectQuiesce    = 250 * time.Millisecond
)

// Options configures the broker session. CAFile pins the server roots;
// CertFile/KeyFile enable mutual TLS, which AWS IoT endpoints require.
type Options struct {
	BrokerURL string
	ClientID  string

	CAFile   string
	CertFile string
	KeyFile  string

	Logger *slog.Logger
}

// Conn is a live broker session. The zero value is unusable; construct
// with New, attach hooks with Bind, then Start.
type Conn struct {
	client mqtt.Client
	broker string
	logger *slog.Logger

	mu        sync.RWMutex
	onConnect func()
	onMessage func(topic string, payload []byte)
}

// New builds the session without connecting.
func New(opts Options) (*Conn, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqttconn: broker URL is required")
	}

	if opts.ClientID == "" {
		return nil, errors.New("mqttconn: client ID is required")
	}

	u, err := url.Parse(opts.BrokerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mqttconn: invalid broker URL %q", opts.BrokerURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{broker: opts.BrokerURL, logger: logger}

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(opts.BrokerURL)
	mopts.SetClientID(opts.ClientID)
	mopts.SetAutoReconnect(true)
	mopts.SetConnectRetry(true)
	mopts.SetConnectRetryInterval(connectRetryInterval)
	mopts.SetMaxReconnectInterval(maxReconnectInterval)

	if opts.CAFile != "" || opts.CertFile != "" || opts.KeyFile != "" {
		tlsConfig, err := tlsConfigFromFiles(opts.CAFile, opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}

		mopts.SetTLSConfig(tlsConfig)
	}

	mopts.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("MQTT connected", "broker", c.broker)

		if fn := c.connectHook(); fn != nil {
			fn()
		}
	})

	mopts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", "broker", c.broker, "error", err)
	})

	c.client = mqtt.NewClient(mopts)

	return c, nil
}

func tlsConfigFromFiles(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{}

	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("mqttconn: reading CA file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("mqttconn: no certificates found in %s", caFile)
		}

		cfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("mqttconn: client cert and key must both be set")
		}

		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("mqttconn: loading client keypair: %w", err)
		}

		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Bind attaches the consumer's hooks. The sync engine is constructed after
// the connection it consumes, so hooks arrive here rather than in Options.
// Call before Start.
func (c *Conn) Bind(onConnect func(), onMessage func(topic string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnect = onConnect
	c.onMessage = onMessage
}

func (c *Conn) connectHook() func() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.onConnect
}

func (c *Conn) messageHook() func(topic string, payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.onMessage
}

// Start opens the connection. Retries continue in the background, so an
// unreachable broker does not block startup; subscription reconciliation
// waits for the connected callback.
func (c *Conn) Start(ctx context.Context) {
	c.logger.Info("Connecting to MQTT broker", "broker", c.broker)

	token := c.client.Connect()

	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				c.logger.Error("MQTT connect failed", "broker", c.broker, "error", err)
			}
		case <-ctx.Done():
		}
	}()
}

// Stop disconnects after a short quiesce for in-flight acks.
func (c *Conn) Stop() {
	c.client.Disconnect(uint(disconnectQuiesce / time.Millisecond))
	c.logger.Info("MQTT disconnected", "broker", c.broker)
}

// Subscribe registers for a topic at QoS 1. Messages route to the bound
// message hook.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	return c.await(ctx, c.client.Subscribe(topic, subscribeQoS, c.handleMessage), "subscribe", topic)
}

// Unsubscribe removes a topic registration.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	return c.await(ctx, c.client.Unsubscribe(topic), "unsubscribe", topic)
}

// Connected reports whether the link is currently up.
func (c *Conn) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Conn) await(ctx context.Context, token mqtt.Token, action, topic string) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqttconn: %s %s: %w", action, topic, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	fn := c.messageHook()
	if fn == nil {
		c.logger.Debug("Dropping MQTT message, no consumer bound", "topic", msg.Topic())
		return
	}

	fn(msg.Topic(), msg.Payload())
}
