// Package controllertest provides an in-process controller for exercising the agent in tests.
package controllertest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/guseggert/subserver/agent/command"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// BasePath is the path under which the controller serves its routes.
const BasePath = "/api/subserver"

// Controller accepts agent connections on <BasePath>/ws and serves core artifacts on <BasePath>/down_server_jar.
type Controller struct {
	log    *zap.SugaredLogger
	server *httptest.Server

	conns  chan *Conn
	closed chan struct{}

	mut       sync.Mutex
	artifacts map[string][]byte
	downloads []string
	// downloadHook is called before each artifact is served
	downloadHook func(name string)
}

func New(log *zap.SugaredLogger) *Controller {
	c := &Controller{
		log:       log.Named("controller"),
		conns:     make(chan *Conn, 16),
		closed:    make(chan struct{}),
		artifacts: map[string][]byte{},
	}
	router := httprouter.New()
	router.GET(BasePath+"/ws", c.acceptWS)
	router.GET(BasePath+"/down_server_jar", c.downloadCore)
	c.server = httptest.NewServer(router)
	return c
}

// URI is the controller address to configure on the agent.
func (c *Controller) URI() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http") + BasePath
}

func (c *Controller) Close() {
	close(c.closed)
	c.server.Close()
}

func (c *Controller) AddArtifact(name string, contents []byte) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.artifacts[name] = contents
}

// OnDownload registers a function called with the artifact name before each download is served.
func (c *Controller) OnDownload(f func(name string)) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.downloadHook = f
}

// Downloads returns the names of all artifacts that have been requested.
func (c *Controller) Downloads() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]string(nil), c.downloads...)
}

// Accept waits for the next agent connection.
func (c *Controller) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for agent connection: %w", ctx.Err())
	case conn := <-c.conns:
		return conn, nil
	}
}

func (c *Controller) acceptWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn := &Conn{
		ServerName: r.URL.Query().Get("server_name"),
		ws:         wsConn,
		done:       make(chan struct{}),
	}
	c.log.Debugw("accepted agent conn", "ServerName", conn.ServerName)
	c.conns <- conn

	select {
	case <-conn.done:
	case <-c.closed:
		conn.Drop()
	}
}

func (c *Controller) downloadCore(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := r.URL.Query().Get("file_name")

	c.mut.Lock()
	c.downloads = append(c.downloads, name)
	contents, ok := c.artifacts[name]
	hook := c.downloadHook
	c.mut.Unlock()

	if hook != nil {
		hook(name)
	}
	if !ok {
		http.Error(w, "no such artifact", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/java-archive")
	w.Write(contents)
}

// Conn is one agent connection.
type Conn struct {
	ServerName string

	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Send(ctx context.Context, cmd command.Command) error {
	return command.WriteCommand(ctx, c.ws, cmd)
}

// SendRaw sends an arbitrary message, for exercising malformed input.
func (c *Conn) SendRaw(ctx context.Context, typ websocket.MessageType, b []byte) error {
	return c.ws.Write(ctx, typ, b)
}

// GetState sends GetState and waits for the reply.
func (c *Conn) GetState(ctx context.Context) (command.StatusReply, error) {
	err := c.Send(ctx, command.Command{Tag: command.GetState})
	if err != nil {
		return command.StatusReply{}, err
	}
	return command.ReadReply(ctx, c.ws)
}

// Drop closes the connection as if the controller went away.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() {
		c.ws.Close(websocket.StatusGoingAway, "controller going away")
		close(c.done)
	})
}
