package model

import "time"

// Status is the presence state a process announces on its status topic.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusMessage is published retained on connect and teardown, and doubles
// as the transport's last will.
type StatusMessage struct {
	Timestamp time.Time
	Status    Status
	ClientID  string
}
