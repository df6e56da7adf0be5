/*
Package command implements the control protocol spoken between the agent and its controller over a WebSocket.

The protocol is asymmetric. The controller sends binary command frames:

	byte 0    command tag (see Tag)
	byte 1..  payload, only meaningful for AcceptCore, where it is the UTF-8 base name of the new core artifact

The agent answers GetState with a text message containing a JSON status reply:

	{"server": "<server name>", "sub_state": "stopped|starting|running|stopping"}

No other messages are sent by the agent; failures are only visible as stale state or a dropped connection.
*/
package command
