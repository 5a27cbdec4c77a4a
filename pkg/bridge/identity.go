package bridge

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"aibridge/pkg/models"
)

// NewIdentity describes the current process. Process name and start time come
// from the OS when available.
func NewIdentity() models.Identity {
	pid := os.Getpid()
	id := models.Identity{
		InstanceID: uuid.NewString(),
		PID:        pid,
		StartedAt:  time.Now().UTC(),
	}
	if host, err := os.Hostname(); err == nil {
		id.Hostname = host
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return id
	}
	if name, err := proc.Name(); err == nil {
		id.Process = name
	}
	if created, err := proc.CreateTime(); err == nil && created > 0 {
		id.StartedAt = time.UnixMilli(created).UTC()
	}
	return id
}
