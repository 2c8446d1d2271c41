// Package nats bridges terminal sessions onto a NATS bus.
//
// The daemon subscribes per-node control subjects (open, input, resize,
// kill, attach) and publishes session output, lifecycle events, and
// stats. All traffic uses core NATS subjects; the bus retains nothing,
// so a consumer that reconnects re-attaches and replays scrollback the
// same way a WebSocket client does.
//
// Subject layout, with <prefix> and <node> from the configuration:
//
//	<prefix>.<node>.session.open           control (subscribed)
//	<prefix>.<node>.session.input          control (subscribed)
//	<prefix>.<node>.session.resize         control (subscribed)
//	<prefix>.<node>.session.kill           control (subscribed)
//	<prefix>.<node>.session.attach         control (subscribed)
//	<prefix>.<node>.session.output.<id>    published output + scrollback
//	<prefix>.<node>.session.event          published lifecycle events
//	<prefix>.<node>.stats                  published metrics samples
//
// Usage:
//
//	client := nats.NewClient(cfg, logger)
//	err := client.Connect(ctx)
//	defer client.Close()
//	client.SetHandler(bridge)
//	err = client.SubscribeControl()
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Config holds bus connection settings.
type Config struct {
	URL           string // NATS server URL(s), comma separated
	NKeySeed      string // NKey seed for authentication (starts with SU)
	SubjectPrefix string // First subject token, e.g. "termbridge"
	NodeID        string // This machine's identity in subjects
}

// SessionMessageHandler processes incoming session control messages.
type SessionMessageHandler interface {
	HandleOpen(msg *SessionOpenMessage) error
	HandleInput(msg *SessionInputMessage) error
	HandleResize(msg *SessionResizeMessage) error
	HandleKill(msg *SessionKillMessage) error
	HandleAttach(msg *SessionAttachMessage) error
}

// Client manages the NATS connection and the control subscriptions.
type Client struct {
	config    Config
	nc        *nats.Conn
	logger    *slog.Logger
	handler   SessionMessageHandler
	subs      []*nats.Subscription
	mu        sync.RWMutex
	connected bool
}

// NewClient creates a new client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// SetHandler sets the control message handler. Must be set before
// SubscribeControl.
func (c *Client) SetHandler(handler SessionMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kp, err := nkeys.FromSeed([]byte(c.config.NKeySeed))
	if err != nil {
		return fmt.Errorf("invalid nkey seed: %w", err)
	}

	pubKey, err := kp.PublicKey()
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("termbridge-%s", c.config.NodeID)),
		nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			// sub is nil for connection-level errors.
			if sub != nil {
				c.logger.Error("NATS error",
					slog.String("error", err.Error()),
					slog.String("subject", sub.Subject),
				)
			} else {
				c.logger.Error("NATS error",
					slog.String("error", err.Error()),
				)
			}
		}),
	}

	nc, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	c.nc = nc
	c.connected = true

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("node_id", c.config.NodeID),
	)

	return nil
}

// SubscribeControl subscribes the per-node session control subjects and
// dispatches their messages to the handler.
func (c *Client) SubscribeControl() error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no session handler set")
	}

	base := fmt.Sprintf("%s.%s.session", c.config.SubjectPrefix, c.config.NodeID)
	subjects := []string{
		base + ".open",
		base + ".input",
		base + ".resize",
		base + ".kill",
		base + ".attach",
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, subject := range subjects {
		sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
			c.handleControlMessage(msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info("session control subscriptions ready",
		slog.Any("subjects", subjects),
	)

	return nil
}

// handleControlMessage parses one control message and routes it by
// envelope type. Handler failures are the handler's to report; it
// answers on the event subject.
func (c *Client) handleControlMessage(msg *nats.Msg) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		return
	}

	var envelope MessageEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logger.Warn("invalid control message",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.Debug("processing control message",
		slog.String("type", envelope.Type),
		slog.String("subject", msg.Subject),
	)

	switch envelope.Type {
	case "session_open":
		var openMsg SessionOpenMessage
		if err := json.Unmarshal(envelope.Payload, &openMsg); err != nil {
			c.logger.Warn("invalid session_open payload", slog.String("error", err.Error()))
			return
		}
		handler.HandleOpen(&openMsg)

	case "session_input":
		var inputMsg SessionInputMessage
		if err := json.Unmarshal(envelope.Payload, &inputMsg); err != nil {
			c.logger.Warn("invalid session_input payload", slog.String("error", err.Error()))
			return
		}
		handler.HandleInput(&inputMsg)

	case "session_resize":
		var resizeMsg SessionResizeMessage
		if err := json.Unmarshal(envelope.Payload, &resizeMsg); err != nil {
			c.logger.Warn("invalid session_resize payload", slog.String("error", err.Error()))
			return
		}
		handler.HandleResize(&resizeMsg)

	case "session_kill":
		var killMsg SessionKillMessage
		if err := json.Unmarshal(envelope.Payload, &killMsg); err != nil {
			c.logger.Warn("invalid session_kill payload", slog.String("error", err.Error()))
			return
		}
		handler.HandleKill(&killMsg)

	case "session_attach":
		var attachMsg SessionAttachMessage
		if err := json.Unmarshal(envelope.Payload, &attachMsg); err != nil {
			c.logger.Warn("invalid session_attach payload", slog.String("error", err.Error()))
			return
		}
		handler.HandleAttach(&attachMsg)

	default:
		c.logger.Warn("unknown control message type", slog.String("type", envelope.Type))
	}
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.nc != nil && c.nc.IsConnected()
}

// Close unsubscribes the control subjects and drains the connection so
// queued publishes flush before the socket closes.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil

	if c.nc != nil {
		c.nc.Drain()
		c.nc = nil
	}
	c.connected = false

	c.logger.Info("NATS client closed")
	return nil
}

// Shutdown implements the shutdown coordinator's interface.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Close()
}

// Connection returns the underlying NATS connection for publishing.
func (c *Client) Connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc
}

// Prefix returns the configured subject prefix.
func (c *Client) Prefix() string {
	return c.config.SubjectPrefix
}

// NodeID returns the configured node identity.
func (c *Client) NodeID() string {
	return c.config.NodeID
}
