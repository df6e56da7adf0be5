/*
Package channel maintains the agent's connection to its controller.

The channel dials the controller, reads command frames and dispatches them inline, one at a time and in arrival order.
When the connection fails for any reason it is dialed again after a capped, jittered exponential backoff, forever,
until the context passed to Run is done. Nothing about a connection outlives it: commands sent on a connection
that dropped before they were read are lost.
*/
package channel

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/subserver/agent/command"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const replyTimeout = 10 * time.Second

// ConnState is the state of the connection to the controller.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Replier sends a status reply on the connection a command arrived on.
type Replier interface {
	Reply(ctx context.Context, r command.StatusReply) error
}

// Dispatcher handles decoded commands. Dispatch runs on the receive loop, so no further frames
// are read from the connection until it returns.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command, r Replier)
}

type Channel struct {
	log      *zap.SugaredLogger
	url      string
	dialOpts *websocket.DialOptions

	minBackoff time.Duration
	maxBackoff time.Duration

	state atomic.Int32
}

type Option func(c *Channel)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

// WithBackoff sets the bounds of the reconnect backoff.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Channel) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func WithDialOptions(o *websocket.DialOptions) Option {
	return func(c *Channel) {
		c.dialOpts = o
	}
}

// ConnectURL builds the URL the agent dials: <controller>/ws?server_name=<name>.
// Everything in the name but ASCII letters and digits is percent-encoded, spaces included.
func ConnectURL(controllerURI, serverName string) (string, error) {
	u, err := url.Parse(controllerURI)
	if err != nil {
		return "", fmt.Errorf("parsing controller URI: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("unsupported controller URI scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws")
	u.RawQuery = "server_name=" + escapeName(serverName)
	return u.String(), nil
}

// escapeName percent-encodes every byte of s that is not an ASCII letter or digit.
func escapeName(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

func New(connectURL string, opts ...Option) *Channel {
	c := &Channel{
		log:        zap.NewNop().Sugar(),
		url:        connectURL,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Channel) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debugw("connection state changed", "From", old, "To", s)
	}
}

// backoff returns how long to wait before the given reconnect attempt, counting from zero.
// The wait doubles with each attempt up to maxBackoff, and is jittered down by up to half.
func (c *Channel) backoff(attempt int) time.Duration {
	d := retryablehttp.DefaultBackoff(c.minBackoff, c.maxBackoff, attempt, nil)
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

// Run connects to the controller and dispatches commands to d until ctx is done.
// Connection errors are never returned, they only trigger a reconnect.
func (c *Channel) Run(ctx context.Context, d Dispatcher) error {
	defer c.setState(Disconnected)
	attempt := 0
	for {
		connected, err := c.session(ctx, d)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		wait := c.backoff(attempt)
		attempt++
		c.log.Infow("controller connection lost, reconnecting", "Error", err, "Backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection to completion. It reports whether the dial succeeded.
func (c *Channel) session(ctx context.Context, d Dispatcher) (bool, error) {
	log := c.log.With("Session", uuid.NewString())

	c.setState(Connecting)
	log.Debugw("dialing controller", "URL", c.url)
	conn, _, err := websocket.Dial(ctx, c.url, c.dialOpts)
	if err != nil {
		c.setState(Disconnected)
		return false, fmt.Errorf("dialing controller: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.setState(Connected)
	log.Infow("connected to controller", "URL", c.url)
	defer c.setState(Disconnected)

	s := &session{log: log, conn: conn}
	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading from controller: %w", err)
		}
		if typ != websocket.MessageBinary {
			log.Debugw("ignoring non-binary message", "Len", len(b))
			continue
		}
		cmd, err := command.Decode(b)
		if err != nil {
			log.Warnw("dropping malformed frame", "Error", err, "Len", len(b))
			continue
		}
		log.Debugw("received command", "Command", cmd.Tag, "Artifact", cmd.Artifact)
		d.Dispatch(ctx, cmd, s)
	}
}

type session struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (s *session) Reply(ctx context.Context, r command.StatusReply) error {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	err := command.WriteReply(ctx, s.conn, r)
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	s.log.Debugw("sent reply", "Server", r.Server, "State", r.State)
	return nil
}
