// Package types defines the core domain model shared by the supervisor,
// the training scheduler and their collaborators.
package types

import (
	"fmt"
	"time"
)

// Role names a kind of server subprocess.
type Role string

const (
	RoleWeb          Role = "web"          // root role, its clean exit shuts the server down
	RoleStudio       Role = "studio"       // flow editor backend
	RoleMessaging    Role = "messaging"    // messaging server
	RoleNLU          Role = "nlu"          // language understanding server
	RoleActionServer Role = "actionServer" // local action server, may run several instances
)

// Roles lists every known role in start order.
var Roles = []Role{RoleWeb, RoleStudio, RoleMessaging, RoleNLU, RoleActionServer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Singleton reports whether at most one instance of the role may run.
func (r Role) Singleton() bool {
	return r != RoleActionServer
}

// ProcessKey identifies one supervised process. Instance is empty for singleton roles.
type ProcessKey struct {
	Role     Role   `json:"role" yaml:"role"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// KeyOf returns the key of a singleton role.
func KeyOf(role Role) ProcessKey {
	return ProcessKey{Role: role}
}

func (k ProcessKey) String() string {
	if k.Instance == "" {
		return string(k.Role)
	}
	return fmt.Sprintf("%s/%s", k.Role, k.Instance)
}

// ProcessEntry is the registry record of a supervised process.
type ProcessEntry struct {
	Key         ProcessKey `json:"key"`
	Port        int        `json:"port"`
	RebootCount int        `json:"reboot_count"`
	HandleID    string     `json:"handle_id"`           // opaque reference to the worker handle
	PID         int        `json:"pid,omitempty"`       // 0 for non-OS handles
	Alive       bool       `json:"alive"`               // false between exit and respawn
	StartedAt   time.Time  `json:"started_at"`          // last successful registration
	ExitedAt    *time.Time `json:"exited_at,omitempty"` // last observed exit
}

// JobID is a caller-chosen training job identifier.
type JobID string

// Kind selects the trainer used for a job.
type Kind string

const (
	KindSVM Kind = "svm"
	KindCRF Kind = "crf"
)

// Kinds lists every supported trainer kind.
var Kinds = []Kind{KindSVM, KindCRF}

// Valid reports whether k is a supported trainer kind.
func (k Kind) Valid() bool {
	return k == KindSVM || k == KindCRF
}

// JobState is the lifecycle state of a training job.
type JobState string

const (
	StateRunning   JobState = "running"
	StateDone      JobState = "done"
	StateErrored   JobState = "errored"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s != StateRunning
}

// TrainingJob describes an in-flight training session.
type TrainingJob struct {
	ID        JobID     `json:"id"`
	Kind      Kind      `json:"kind"`
	WorkerID  string    `json:"worker_id"` // pool worker owning the job
	State     JobState  `json:"state"`
	Progress  float64   `json:"progress"` // last relayed value
	StartedAt time.Time `json:"started_at"`
}
