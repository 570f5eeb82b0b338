package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/cordonlabs/cordon/internal/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second
	eventBuffer              = 256
	phoenixControlTopic      = "phoenix"
)

// Event is one occurrence on the portal channel.
type Event any

// EventInboundMessage is a broadcast message from the portal.
type EventInboundMessage struct {
	Topic string
	Msg   IngressMessage
}

// EventSuccessResponse answers a request we sent.
type EventSuccessResponse struct {
	Ref   uint64
	Reply Reply
}

// EventErrorResponse is an error answer to a request we sent.
type EventErrorResponse struct {
	Ref   uint64
	Topic string
	Err   ErrorReply
}

// EventHeartbeatSent fires after each heartbeat goes out.
type EventHeartbeatSent struct{}

// EventJoinedRoom confirms a topic join.
type EventJoinedRoom struct {
	Topic string
}

// EventClosed reports a deliberate local close. The client never initiates
// one; the event loop treats it as a logic error.
type EventClosed struct{}

// Config configures the portal channel.
type Config struct {
	Logger *slog.Logger
	// URL is the websocket endpoint of the portal.
	URL string
	// Token authenticates the client.
	Token string
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("url is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return nil
}

// Channel is a persistent portal connection. Reconnection, heartbeating,
// and topic re-joining are handled internally; consumers read Events.
type Channel struct {
	log *slog.Logger
	cfg Config

	events chan Event

	mu        sync.Mutex
	ref       uint64
	sendQueue chan envelope
	connectCh chan string
	joins     map[string]uint64
}

// NewChannel creates a channel; Run must be started for it to make
// progress.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("portal: invalid config: %w", err)
	}

	return &Channel{
		log:       cfg.Logger,
		cfg:       cfg,
		events:    make(chan Event, eventBuffer),
		sendQueue: make(chan envelope, eventBuffer),
		connectCh: make(chan string, 1),
		joins:     make(map[string]uint64),
	}, nil
}

// Events returns the stream the event loop consumes.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connect requests a (re)connect announcing publicKey to the portal. Safe
// to call at any time; an in-flight connection is torn down and re-dialed.
func (c *Channel) Connect(publicKey string) {
	select {
	case c.connectCh <- publicKey:
	default:
		// A reconnect is already pending; the latest key wins on drain.
		select {
		case <-c.connectCh:
		default:
		}
		c.connectCh <- publicKey
	}
}

// Join joins a topic. The join is replayed after every reconnect.
func (c *Channel) Join(topic string) {
	ref := c.nextRef()
	c.mu.Lock()
	c.joins[topic] = ref
	c.mu.Unlock()

	c.enqueue(envelope{Topic: topic, Event: "phx_join", Ref: &ref, Payload: []byte("{}")})
}

// Send sends an egress message on a topic and returns the request id its
// reply will carry.
func (c *Channel) Send(topic string, msg EgressMessage) uint64 {
	ref := c.nextRef()

	payload, err := marshalEgress(msg)
	if err != nil {
		c.log.Error("portal: failed to marshal egress message", "error", err)
		return ref
	}

	c.enqueue(envelope{Topic: topic, Event: msg.event(), Ref: &ref, Payload: payload})
	metrics.PortalMessagesSent.Inc()
	return ref
}

func (c *Channel) enqueue(env envelope) {
	select {
	case c.sendQueue <- env:
	default:
		c.log.Warn("portal: send queue full, dropping message", "event", env.Event)
	}
}

func (c *Channel) nextRef() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	return c.ref
}

// Run drives the connection until ctx is canceled. It dials when Connect
// supplies a public key, reads until failure, and re-dials with exponential
// backoff.
func (c *Channel) Run(ctx context.Context) error {
	publicKey := ""

	select {
	case <-ctx.Done():
		return ctx.Err()
	case publicKey = <-c.connectCh:
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // retry forever; the portal is our lifeline

	for {
		conn, err := c.dial(ctx, publicKey)
		if err != nil {
			wait := retry.NextBackOff()
			c.log.Warn("portal: connect failed", "error", err, "retry_in", wait)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case key := <-c.connectCh:
				publicKey = key
			case <-time.After(wait):
			}
			continue
		}

		retry.Reset()
		c.log.Info("portal: connected", "url", c.cfg.URL)
		c.rejoinTopics()

		reconnectKey, err := c.serve(ctx, conn)
		_ = conn.Close()
		if err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		if reconnectKey != "" {
			publicKey = reconnectKey
		}
		metrics.PortalReconnects.Inc()
	}
}

func (c *Channel) dial(ctx context.Context, publicKey string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("public_key", publicKey)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing portal: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing portal: %w", err)
	}
	return conn, nil
}

// rejoinTopics replays every known join after a reconnect.
func (c *Channel) rejoinTopics() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.joins))
	for topic := range c.joins {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		c.Join(topic)
	}
}

// serve pumps one live connection. It returns a new public key if a
// reconnect was requested, or an error on read failure / cancellation.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) (string, error) {
	readCh := make(chan envelope)
	readErr := make(chan error, 1)

	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			select {
			case readCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", context.Canceled

		case key := <-c.connectCh:
			c.log.Info("portal: reconnect requested")
			return key, nil

		case env := <-c.sendQueue:
			if err := c.write(conn, env); err != nil {
				return "", err
			}

		case <-heartbeat.C:
			ref := c.nextRef()
			env := envelope{Topic: phoenixControlTopic, Event: "heartbeat", Ref: &ref, Payload: []byte("{}")}
			if err := c.write(conn, env); err != nil {
				return "", err
			}
			c.emit(EventHeartbeatSent{})

		case err := <-readErr:
			return "", fmt.Errorf("portal: read: %w", err)

		case env := <-readCh:
			c.handleFrame(env)
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, env envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("portal: write: %w", err)
	}
	return nil
}

func (c *Channel) handleFrame(env envelope) {
	switch env.Event {
	case "phx_reply":
		c.handleReply(env)
	case "phx_error":
		c.log.Warn("portal: channel error frame", "topic", env.Topic)
	default:
		msg, err := decodeIngress(env.Event, env.Payload)
		if err != nil {
			c.log.Warn("portal: dropping unparseable message", "event", env.Event, "error", err)
			return
		}
		c.emit(EventInboundMessage{Topic: env.Topic, Msg: msg})
	}
}

func (c *Channel) handleReply(env envelope) {
	var reply replyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		c.log.Warn("portal: dropping malformed reply", "error", err)
		return
	}

	ref := uint64(0)
	if env.Ref != nil {
		ref = *env.Ref
	}

	if c.isJoinReply(env.Topic, ref) {
		if reply.Status == "ok" {
			c.emit(EventJoinedRoom{Topic: env.Topic})
		} else {
			c.log.Warn("portal: join failed", "topic", env.Topic)
		}
		return
	}

	if reply.Status != "ok" {
		var errBody struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(reply.Response, &errBody)
		c.emit(EventErrorResponse{Ref: ref, Topic: env.Topic, Err: errorReplyFromReason(errBody.Reason)})
		return
	}

	// Heartbeat acks carry no response body.
	if len(reply.Response) == 0 || string(reply.Response) == "{}" || string(reply.Response) == "null" {
		return
	}

	parsed, err := decodeReply(reply.Response)
	if err != nil {
		c.log.Debug("portal: ignoring reply", "error", err)
		return
	}
	c.emit(EventSuccessResponse{Ref: ref, Reply: parsed})
}

func (c *Channel) isJoinReply(topic string, ref uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	joinRef, ok := c.joins[topic]
	return ok && joinRef == ref
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("portal: event buffer full, dropping event")
	}
}

func marshalEgress(msg EgressMessage) ([]byte, error) {
	return json.Marshal(msg)
}
