// ============================================================================
// Fleet Message Bus - Typed Envelopes
// ============================================================================
//
// Package: internal/bus
// File: message.go
// Purpose: Closed set of message types exchanged between the supervisor,
//          role processes and training workers.
//
// Envelope:
//   Message{Type, ID, Payload}. ID correlates train/progress/done/error/kill
//   for one training job and is empty for supervisor control messages.
//
// Job messages are parameterized by trainer kind: "<kind>_<verb>", for
// example "svm_train" or "crf_progress".
//
// ============================================================================

package bus

import (
	"encoding/json"
	"strings"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// Type tags a message.
type Type string

// Supervisor control messages.
const (
	TypeStartStudio          Type = "StartStudio"
	TypeStartActionServer    Type = "StartActionServer"
	TypeStartNluServer       Type = "StartNluServer"
	TypeStartMessagingServer Type = "StartMessagingServer"
	TypeRegisterProcess      Type = "RegisterProcess"
	TypeBroadcastProcess     Type = "BroadcastProcess"
	TypeRestartServer        Type = "RestartServer"
)

// Worker housekeeping messages.
const (
	TypeWorkerReady Type = "worker_ready"
	TypeLog         Type = "log"
)

// Verb is the job-message suffix.
type Verb string

const (
	VerbTrain    Verb = "train"
	VerbProgress Verb = "progress"
	VerbDone     Verb = "done"
	VerbError    Verb = "error"
	VerbKill     Verb = "kill"
)

var verbs = []Verb{VerbTrain, VerbProgress, VerbDone, VerbError, VerbKill}

// JobType builds the message type for a kind and verb.
func JobType(kind types.Kind, verb Verb) Type {
	return Type(string(kind) + "_" + string(verb))
}

// Job splits a job message type into kind and verb.
func (t Type) Job() (types.Kind, Verb, bool) {
	kind, verb, ok := strings.Cut(string(t), "_")
	if !ok || !types.Kind(kind).Valid() {
		return "", "", false
	}
	for _, v := range verbs {
		if Verb(verb) == v {
			return types.Kind(kind), v, true
		}
	}
	return "", "", false
}

// StartTypeFor returns the control message that asks the supervisor to start a role.
func StartTypeFor(role types.Role) (Type, bool) {
	switch role {
	case types.RoleStudio:
		return TypeStartStudio, true
	case types.RoleActionServer:
		return TypeStartActionServer, true
	case types.RoleNLU:
		return TypeStartNluServer, true
	case types.RoleMessaging:
		return TypeStartMessagingServer, true
	}
	return "", false
}

// Message is an immutable envelope.
type Message struct {
	Type    Type
	ID      string
	Payload Payload
}

// New builds a message.
func New(t Type, id string, p Payload) Message {
	return Message{Type: t, ID: id, Payload: p}
}

// As returns the payload of m as T.
func As[T Payload](m Message) (T, bool) {
	p, ok := m.Payload.(T)
	return p, ok
}

// Payload is implemented by every message body. The set is closed.
type Payload interface {
	isPayload()
}

// StartRole carries role-specific launch parameters.
type StartRole struct {
	Instance string            `json:"instance,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// RegisterProcess announces the port a role process listens on.
type RegisterProcess struct {
	Role     types.Role `json:"role"`
	Instance string     `json:"instance,omitempty"`
	Port     int        `json:"port"`
}

// BroadcastProcess tells peers where a role listens.
type BroadcastProcess struct {
	Role     types.Role `json:"role"`
	Instance string     `json:"instance,omitempty"`
	Port     int        `json:"port"`
}

// RestartServer asks the supervisor to restart every role.
type RestartServer struct{}

// Train starts a training job. Data and Options are opaque to the scheduler.
//
// Attempt numbers one dispatch of a job id. A worker echoes it on every
// reply so replies from an earlier run of a reused id can be told apart.
// Zero means unnumbered.
type Train struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
	Attempt uint64          `json:"attempt,omitempty"`
}

// Progress reports training progress in [0,1].
type Progress struct {
	Progress float64 `json:"progress"`
	Attempt  uint64  `json:"attempt,omitempty"`
}

// Done carries the trained model.
type Done struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Attempt uint64          `json:"attempt,omitempty"`
}

// Failure reports a trainer error.
type Failure struct {
	Error   string `json:"error"`
	Attempt uint64 `json:"attempt,omitempty"`
}

// Kill asks a worker to abandon a job. A non-zero Attempt only stops that run.
type Kill struct {
	Attempt uint64 `json:"attempt,omitempty"`
}

// WorkerReady is sent once by a pool worker after initialization.
type WorkerReady struct {
	WorkerID string `json:"worker_id,omitempty"`
}

// Log relays a worker log line to the parent.
type Log struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Raw holds the body of a message whose type is not known to this build.
type Raw struct {
	Body json.RawMessage `json:"-"`
}

func (*StartRole) isPayload()        {}
func (*RegisterProcess) isPayload()  {}
func (*BroadcastProcess) isPayload() {}
func (*RestartServer) isPayload()    {}
func (*Train) isPayload()            {}
func (*Progress) isPayload()         {}
func (*Done) isPayload()             {}
func (*Failure) isPayload()          {}
func (*Kill) isPayload()             {}
func (*WorkerReady) isPayload()      {}
func (*Log) isPayload()              {}
func (*Raw) isPayload()              {}

func (*Train) opaqueFields() []string { return []string{"data", "options"} }
func (*Done) opaqueFields() []string  { return []string{"result"} }

// newPayload returns an empty body for t, or nil when t is unknown.
func newPayload(t Type) Payload {
	switch t {
	case TypeStartStudio, TypeStartActionServer, TypeStartNluServer, TypeStartMessagingServer:
		return &StartRole{}
	case TypeRegisterProcess:
		return &RegisterProcess{}
	case TypeBroadcastProcess:
		return &BroadcastProcess{}
	case TypeRestartServer:
		return &RestartServer{}
	case TypeWorkerReady:
		return &WorkerReady{}
	case TypeLog:
		return &Log{}
	}
	if _, verb, ok := t.Job(); ok {
		switch verb {
		case VerbTrain:
			return &Train{}
		case VerbProgress:
			return &Progress{}
		case VerbDone:
			return &Done{}
		case VerbError:
			return &Failure{}
		case VerbKill:
			return &Kill{}
		}
	}
	return nil
}
