package model

import (
	"fmt"
	"time"
)

// DaemonKind names one of the two polling daemons.
type DaemonKind string

const (
	DaemonTask  DaemonKind = "task"
	DaemonAbort DaemonKind = "abort"
)

// DaemonKinds lists every daemon the supervisor manages, in start order.
var DaemonKinds = []DaemonKind{DaemonTask, DaemonAbort}

func ParseDaemonKind(s string) (DaemonKind, error) {
	switch k := DaemonKind(s); k {
	case DaemonTask, DaemonAbort:
		return k, nil
	}
	return "", fmt.Errorf("unknown daemon kind %q (want task|abort)", s)
}

// Variable names under which supervisor records are persisted.
const (
	VarSupervisor = "supervisor"
	varDaemonAck  = "daemon."
)

// AckVariable returns the variable name a daemon of the given kind
// acknowledges its startup under.
func AckVariable(kind DaemonKind) string {
	return varDaemonAck + string(kind)
}

// DaemonRef identifies a spawned daemon process.
type DaemonRef struct {
	PID   int    `yaml:"pid"`
	Token string `yaml:"token"`
}

// SupervisorState is the single record the supervisor reads and writes to
// decide whether the queue is running.
type SupervisorState struct {
	Active      bool       `yaml:"active"`
	TaskDaemon  DaemonRef  `yaml:"task_daemon"`
	AbortDaemon DaemonRef  `yaml:"abort_daemon"`
	StartedAt   *time.Time `yaml:"started_at,omitempty"`
	StoppedAt   *time.Time `yaml:"stopped_at,omitempty"`
}

// Daemon returns the reference recorded for kind.
func (s *SupervisorState) Daemon(kind DaemonKind) DaemonRef {
	if kind == DaemonAbort {
		return s.AbortDaemon
	}
	return s.TaskDaemon
}

// SetDaemon records ref for kind.
func (s *SupervisorState) SetDaemon(kind DaemonKind, ref DaemonRef) {
	if kind == DaemonAbort {
		s.AbortDaemon = ref
		return
	}
	s.TaskDaemon = ref
}

// DaemonAck is written by a daemon once it is ready to poll.
type DaemonAck struct {
	Kind      DaemonKind `yaml:"kind"`
	PID       int        `yaml:"pid"`
	Token     string     `yaml:"token"`
	StartedAt time.Time  `yaml:"started_at"`
}
