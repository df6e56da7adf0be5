package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyFrame = errors.New("empty command frame")
	ErrBadPayload = errors.New("invalid command payload")
)

// UnknownTagError is returned when a frame's tag byte is out of range.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown command tag %d", e.Tag)
}

// Decode decodes a binary command frame.
func Decode(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return Command{}, ErrEmptyFrame
	}
	tag := Tag(frame[0])
	if tag >= numTags {
		return Command{}, &UnknownTagError{Tag: frame[0]}
	}
	cmd := Command{Tag: tag}
	if tag == AcceptCore {
		payload := frame[1:]
		if len(payload) == 0 || !utf8.Valid(payload) {
			return Command{}, fmt.Errorf("%w: artifact name must be non-empty UTF-8", ErrBadPayload)
		}
		name := string(payload)
		// the name ends up in a file path, so it must stay within the server dir
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return Command{}, fmt.Errorf("%w: artifact name %q is not a base name", ErrBadPayload, name)
		}
		cmd.Artifact = name
	}
	return cmd, nil
}

// Encode encodes a command frame.
func Encode(cmd Command) []byte {
	b := make([]byte, 0, 1+len(cmd.Artifact))
	b = append(b, byte(cmd.Tag))
	if cmd.Tag == AcceptCore {
		b = append(b, cmd.Artifact...)
	}
	return b
}

func EncodeReply(r StatusReply) ([]byte, error) {
	return json.Marshal(r)
}

func ParseReply(b []byte) (StatusReply, error) {
	var r StatusReply
	err := json.Unmarshal(b, &r)
	if err != nil {
		return StatusReply{}, fmt.Errorf("parsing status reply: %w", err)
	}
	return r, nil
}
