package command

import (
	"fmt"

	"github.com/guseggert/subserver/agent/supervisor"
)

// Tag identifies a command on the wire.
type Tag byte

const (
	Start Tag = iota
	Stop
	Restart
	AcceptCore
	AcceptPlugin
	AcceptConfig
	AcceptWorld
	GetState

	numTags
)

var tagNames = [...]string{
	Start:        "start",
	Stop:         "stop",
	Restart:      "restart",
	AcceptCore:   "accept_core",
	AcceptPlugin: "accept_plugin",
	AcceptConfig: "accept_config",
	AcceptWorld:  "accept_world",
	GetState:     "get_state",
}

func (t Tag) String() string {
	if t >= numTags {
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
	return tagNames[t]
}

// Command is a decoded command frame.
type Command struct {
	Tag Tag
	// Artifact is the base name of the new core artifact, without extension. Only set for AcceptCore.
	Artifact string
}

// StatusReply is the only message the agent sends to the controller.
type StatusReply struct {
	Server string           `json:"server"`
	State  supervisor.State `json:"sub_state"`
}
