package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/subserver/agent/command"
	"github.com/guseggert/subserver/agent/supervisor"
	"github.com/guseggert/subserver/internal/controllertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// recordingDispatcher records commands and answers GetState with a fixed reply.
type recordingDispatcher struct {
	mut  sync.Mutex
	cmds []command.Command
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, cmd command.Command, r Replier) {
	d.mut.Lock()
	d.cmds = append(d.cmds, cmd)
	d.mut.Unlock()
	if cmd.Tag == command.GetState {
		err := r.Reply(ctx, command.StatusReply{Server: "Alpha", State: supervisor.Running})
		if err != nil {
			log.Debugf("reply error: %s", err)
		}
	}
}

func (d *recordingDispatcher) seen() []command.Command {
	d.mut.Lock()
	defer d.mut.Unlock()
	return append([]command.Command(nil), d.cmds...)
}

func startChannel(t *testing.T, ctrl *controllertest.Controller, d Dispatcher) *Channel {
	return startNamedChannel(t, ctrl, "Alpha", d)
}

func startNamedChannel(t *testing.T, ctrl *controllertest.Controller, name string, d Dispatcher) *Channel {
	u, err := ConnectURL(ctrl.URI(), name)
	require.NoError(t, err)
	ch := New(u, WithLogger(log.Named(t.Name())), WithBackoff(10*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- ch.Run(ctx, d) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return ch
}

func TestDispatchInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctrl := controllertest.New(log)
	t.Cleanup(ctrl.Close)
	d := &recordingDispatcher{}
	ch := startChannel(t, ctrl, d)

	conn, err := ctrl.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", conn.ServerName)

	require.NoError(t, conn.Send(ctx, command.Command{Tag: command.Start}))
	// malformed and non-binary messages are dropped without breaking the connection
	require.NoError(t, conn.SendRaw(ctx, websocket.MessageBinary, []byte{8}))
	require.NoError(t, conn.SendRaw(ctx, websocket.MessageBinary, nil))
	require.NoError(t, conn.SendRaw(ctx, websocket.MessageText, []byte("start")))
	require.NoError(t, conn.Send(ctx, command.Command{Tag: command.AcceptCore, Artifact: "paper-1.21-10"}))
	require.NoError(t, conn.Send(ctx, command.Command{Tag: command.Stop}))

	reply, err := conn.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, command.StatusReply{Server: "Alpha", State: supervisor.Running}, reply)

	assert.Equal(t, []command.Command{
		{Tag: command.Start},
		{Tag: command.AcceptCore, Artifact: "paper-1.21-10"},
		{Tag: command.Stop},
		{Tag: command.GetState},
	}, d.seen())
	assert.Equal(t, Connected, ch.State())
}

func TestServerNameReachesController(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctrl := controllertest.New(log)
	t.Cleanup(ctrl.Close)
	startNamedChannel(t, ctrl, "survival & creative+1", &recordingDispatcher{})

	conn, err := ctrl.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "survival & creative+1", conn.ServerName)
}

func TestReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctrl := controllertest.New(log)
	t.Cleanup(ctrl.Close)
	d := &recordingDispatcher{}
	startChannel(t, ctrl, d)

	conn1, err := ctrl.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, conn1.Send(ctx, command.Command{Tag: command.Start}))
	_, err = conn1.GetState(ctx)
	require.NoError(t, err)
	conn1.Drop()

	conn2, err := ctrl.Accept(ctx)
	require.NoError(t, err)
	reply, err := conn2.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", reply.Server)

	assert.Equal(t, []command.Command{
		{Tag: command.Start},
		{Tag: command.GetState},
		{Tag: command.GetState},
	}, d.seen())
}

func TestRunUnreachableStopsOnCancel(t *testing.T) {
	ctrl := controllertest.New(log)
	uri := ctrl.URI()
	ctrl.Close()

	u, err := ConnectURL(uri, "Alpha")
	require.NoError(t, err)
	ch := New(u, WithLogger(log.Named(t.Name())), WithBackoff(time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = ch.Run(ctx, &recordingDispatcher{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, Disconnected, ch.State())
}

func TestBackoff(t *testing.T) {
	ch := New("ws://unused", WithBackoff(100*time.Millisecond, time.Second))
	for attempt := 0; attempt < 10; attempt++ {
		base := 100 * time.Millisecond << attempt
		if base > time.Second {
			base = time.Second
		}
		for i := 0; i < 20; i++ {
			d := ch.backoff(attempt)
			assert.GreaterOrEqual(t, d, base/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base, "attempt %d", attempt)
		}
	}
}

func TestConnectURL(t *testing.T) {
	cases := []struct {
		uri    string
		name   string
		exp    string
		expErr bool
	}{
		{
			uri:  "ws://127.0.0.1:2024/api/subserver",
			name: "Alpha",
			exp:  "ws://127.0.0.1:2024/api/subserver/ws?server_name=Alpha",
		},
		{
			uri:  "wss://controller.example/api/subserver/",
			name: "survival & creative",
			exp:  "wss://controller.example/api/subserver/ws?server_name=survival%20%26%20creative",
		},
		{
			uri:  "ws://controller.example",
			name: "服务器",
			exp:  "ws://controller.example/ws?server_name=%E6%9C%8D%E5%8A%A1%E5%99%A8",
		},
		{
			uri:  "ws://controller.example",
			name: "lobby-1_a.b+c",
			exp:  "ws://controller.example/ws?server_name=lobby%2D1%5Fa%2Eb%2Bc",
		},
		{uri: "tcp://controller.example", name: "Alpha", expErr: true},
	}
	for _, c := range cases {
		u, err := ConnectURL(c.uri, c.name)
		if c.expErr {
			assert.Error(t, err, c.uri)
			continue
		}
		require.NoError(t, err, c.uri)
		assert.Equal(t, c.exp, u)
	}
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "ConnState(7)", ConnState(7).String())
}
