// Package mqtt5 subscribes to MQTT 5 topic filters. Each stream owns one
// client connection whose client id is the subscription group, so a
// persistent session carries unacknowledged messages across reconnects.
// Offsets are a per-stream receive sequence; start positions are ignored.
package mqtt5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
)

// Type is the endpoint type served by this package.
const Type = "mqtt5"

// Property keys.
const (
	PropQoS            = "subscriptionQos"
	PropSessionExpiry  = "sessionExpiry"
	PropKeepAlive      = "keepAlive"
	PropUsername       = "username"
	PropPassword       = "password"
	PropReceiveBacklog = "receiveBacklog"
)

const (
	defaultSessionExpiry  = time.Hour
	defaultKeepAlive      = 30 * time.Second
	defaultReceiveBacklog = 256
)

// Connector dials its broker once per stream.
type Connector struct {
	addr string
	log  *slog.Logger
}

var _ connector.Connector = (*Connector)(nil)

// Factory takes the first of cfg.Servers, either host:port or a
// tcp:// / mqtt:// URL.
func Factory() connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		if len(cfg.Servers) == 0 {
			return nil, connector.Configuration(errors.New("mqtt5: servers must name a broker address"))
		}
		addr, err := brokerAddr(cfg.Servers[0])
		if err != nil {
			return nil, connector.Configuration(err)
		}
		return New(addr, deps.Logger), nil
	}
}

// New returns a connector for the broker at addr (host:port).
func New(addr string, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Connector{addr: addr, log: log}
}

func brokerAddr(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		if _, _, splitErr := net.SplitHostPort(server); splitErr == nil {
			return server, nil
		}
		return "", fmt.Errorf("mqtt5: invalid server %q", server)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
		return u.Host, nil
	default:
		return "", fmt.Errorf("mqtt5: unsupported scheme %q", u.Scheme)
	}
}

func (c *Connector) Type() string { return Type }

func (c *Connector) SupportedQoS() qos.Set { return qos.All() }

func (c *Connector) Close() error { return nil }

func (c *Connector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	cfg := req.Config
	subQoS, err := strconv.Atoi(cfg.Property(PropQoS, "1"))
	if err != nil || subQoS < 0 || subQoS > 2 {
		return nil, connector.Configuration(fmt.Errorf("mqtt5: invalid %s", PropQoS))
	}
	expiry, err := time.ParseDuration(cfg.Property(PropSessionExpiry, defaultSessionExpiry.String()))
	if err != nil || expiry < 0 {
		return nil, connector.Configuration(fmt.Errorf("mqtt5: invalid %s", PropSessionExpiry))
	}
	keepAlive, err := time.ParseDuration(cfg.Property(PropKeepAlive, defaultKeepAlive.String()))
	if err != nil || keepAlive <= 0 {
		return nil, connector.Configuration(fmt.Errorf("mqtt5: invalid %s", PropKeepAlive))
	}
	backlog, err := strconv.Atoi(cfg.Property(PropReceiveBacklog, strconv.Itoa(defaultReceiveBacklog)))
	if err != nil || backlog <= 0 {
		return nil, connector.Configuration(fmt.Errorf("mqtt5: invalid %s", PropReceiveBacklog))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, connector.Connection(err)
	}

	manual := req.QoS == qos.AtMostOnce || req.QoS == qos.AtLeastOnce
	s := &stream{
		topic:    req.Topic,
		manual:   manual,
		incoming: make(chan *paho.Publish, backlog),
		stopped:  make(chan struct{}),
		log:      c.log,
	}
	s.client = paho.NewClient(paho.ClientConfig{
		ClientID:                   req.Group,
		Conn:                       conn,
		EnableManualAcknowledgment: manual,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			s.receive,
		},
		OnClientError:      s.lost,
		OnServerDisconnect: func(d *paho.Disconnect) { s.lost(fmt.Errorf("mqtt5: server disconnect reason %d", d.ReasonCode)) },
	})

	sessionExpiry := uint32(expiry / time.Second)
	cp := &paho.Connect{
		ClientID:   req.Group,
		KeepAlive:  uint16(keepAlive / time.Second),
		CleanStart: false,
		Properties: &paho.ConnectProperties{SessionExpiryInterval: &sessionExpiry},
	}
	if u := cfg.Property(PropUsername, ""); u != "" {
		cp.Username, cp.UsernameFlag = u, true
	}
	if p := cfg.Property(PropPassword, ""); p != "" {
		cp.Password, cp.PasswordFlag = []byte(p), true
	}
	ack, err := s.client.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		if ack != nil && ack.ReasonCode >= 0x80 {
			return nil, connector.Configuration(fmt.Errorf("mqtt5 connect: reason %d: %w", ack.ReasonCode, err))
		}
		return nil, connector.Connection(err)
	}

	suback, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: req.Topic, QoS: byte(subQoS)}},
	})
	if err != nil {
		_ = s.Close()
		return nil, connector.Connection(err)
	}
	for _, rc := range suback.Reasons {
		if rc >= 0x80 {
			_ = s.Close()
			return nil, connector.Configuration(fmt.Errorf("mqtt5: subscribe %s rejected with reason %d", req.Topic, rc))
		}
	}
	if req.Start != nil {
		c.log.DebugContext(ctx, "mqtt5.start.ignored", slog.String("topic", req.Topic))
	}
	return s, nil
}

type held struct {
	seq int64
	pub *paho.Publish
}

type stream struct {
	client   *paho.Client
	topic    string
	manual   bool
	incoming chan *paho.Publish
	stopped  chan struct{}
	log      *slog.Logger

	mu      sync.Mutex
	seq     int64
	pending []held
	err     error
	closed  bool
	once    sync.Once
}

// receive blocks the client's delivery loop while the backlog is full so
// the broker sees backpressure through its receive maximum.
func (s *stream) receive(pr paho.PublishReceived) (bool, error) {
	select {
	case s.incoming <- pr.Packet:
		return true, nil
	case <-s.stopped:
		return false, connector.ErrClosed
	}
}

func (s *stream) lost(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.stopped) })
}

func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	select {
	case <-ctx.Done():
		return connector.Record{}, ctx.Err()
	case pub := <-s.incoming:
		return s.record(pub), nil
	case <-s.stopped:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return connector.Record{}, connector.ErrClosed
		}
		return connector.Record{}, connector.Connection(s.err)
	}
}

func (s *stream) record(pub *paho.Publish) connector.Record {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if s.manual && pub.QoS > 0 {
		s.pending = append(s.pending, held{seq: seq, pub: pub})
	}
	s.mu.Unlock()

	rec := connector.Record{
		Cursor:    cursor.Cursor{Topic: s.topic, Partition: 0, Offset: seq},
		Value:     pub.Payload,
		Headers:   map[string][]string{},
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"topic":  pub.Topic,
			"qos":    strconv.Itoa(int(pub.QoS)),
			"retain": strconv.FormatBool(pub.Retain),
		},
	}
	if p := pub.Properties; p != nil {
		for _, up := range p.User {
			rec.Headers[up.Key] = append(rec.Headers[up.Key], up.Value)
		}
		if p.ContentType != "" {
			rec.Metadata["contentType"] = p.ContentType
		}
		if len(p.CorrelationData) > 0 {
			rec.Metadata["correlationData"] = string(p.CorrelationData)
		}
	}
	return rec
}

// Commit acknowledges held publishes up to c in receive order, which MQTT
// requires of manual acknowledgement.
func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	s.mu.Lock()
	var acks []*paho.Publish
	i := 0
	for ; i < len(s.pending) && s.pending[i].seq <= c.Offset; i++ {
		acks = append(acks, s.pending[i].pub)
	}
	s.pending = s.pending[i:]
	s.mu.Unlock()

	for _, pub := range acks {
		if err := s.client.Ack(pub); err != nil {
			return connector.Connection(fmt.Errorf("mqtt5 ack %d: %w", pub.PacketID, err))
		}
	}
	return nil
}

func (s *stream) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == 0 {
		return nil
	}
	return cursor.Position{{Topic: s.topic, Partition: 0, Offset: s.seq + 1}}
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.once.Do(func() { close(s.stopped) })
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
