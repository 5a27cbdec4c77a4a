package models

import "time"

// Identity describes one bridge process.
type Identity struct {
	InstanceID string    `json:"instanceId"`
	PID        int       `json:"pid"`
	Process    string    `json:"process,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// Join builds the extension_join announcement for this identity.
func (id Identity) Join(now time.Time) JoinPayload {
	return JoinPayload{
		InstanceID: id.InstanceID,
		PID:        id.PID,
		Process:    id.Process,
		Hostname:   id.Hostname,
		Timestamp:  now.UTC(),
	}
}
