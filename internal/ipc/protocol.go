// Package ipc serves local status queries and maintenance commands over a
// unix socket, one JSON request and one JSON response per connection.
package ipc

import "github.com/DonDistillo-Project/cocktail-robot/internal/control"

const (
	CommandStatus = "status"
	CommandZero   = "zero"
)

type Request struct {
	Command string `json:"command"`
}

// AudioStatus describes the connected audio client, if any.
type AudioStatus struct {
	SessionID     string `json:"session_id"`
	Peer          string `json:"peer,omitempty"`
	DownlinkBytes int64  `json:"downlink_bytes"`
	UplinkBytes   int64  `json:"uplink_bytes"`
}

type Response struct {
	OK      bool            `json:"ok"`
	State   string          `json:"state,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Control *control.Status `json:"control,omitempty"`
	Audio   *AudioStatus    `json:"audio,omitempty"`
}
