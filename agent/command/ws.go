package command

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// WriteReply sends a status reply as a text message.
func WriteReply(ctx context.Context, conn *websocket.Conn, r StatusReply) error {
	b, err := EncodeReply(r)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// WriteCommand sends a command as a binary frame.
func WriteCommand(ctx context.Context, conn *websocket.Conn, cmd Command) error {
	return conn.Write(ctx, websocket.MessageBinary, Encode(cmd))
}

// ReadReply reads messages until it gets a text message, and parses it as a status reply.
func ReadReply(ctx context.Context, conn *websocket.Conn) (StatusReply, error) {
	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			return StatusReply{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return ParseReply(b)
	}
}
