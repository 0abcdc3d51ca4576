package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/taskq/internal/daemon"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
	"github.com/msageha/taskq/internal/uds"
)

const controlTimeout = 2 * time.Second

// DaemonReport describes one daemon as seen from the CLI.
type DaemonReport struct {
	Kind    model.DaemonKind `json:"kind"`
	PID     int              `json:"pid,omitempty"`
	Alive   bool             `json:"alive"`
	Acked   bool             `json:"acked"`
	Control *daemon.Status   `json:"control,omitempty"`
}

// Report is the result of Status.
type Report struct {
	Active     bool                     `json:"active"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	StoppedAt  *time.Time               `json:"stopped_at,omitempty"`
	Daemons    []DaemonReport           `json:"daemons"`
	Tasks      map[model.TaskStatus]int `json:"tasks"`
	OpenAborts int                      `json:"open_aborts"`
}

// Status gathers the supervisor record, each daemon's liveness and
// progress, and the queue depth per status. Any caller may ask.
func (s *Supervisor) Status(ctx context.Context) (*Report, error) {
	state, err := s.store.SupervisorState(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		Active:    state.Active,
		StartedAt: state.StartedAt,
		StoppedAt: state.StoppedAt,
		Tasks:     make(map[model.TaskStatus]int, len(model.TaskStatuses)),
	}

	for _, kind := range model.DaemonKinds {
		dr := DaemonReport{Kind: kind, PID: state.Daemon(kind).PID}
		ack, err := s.store.DaemonAck(ctx, kind)
		switch {
		case err == nil:
			dr.Acked = ack.Token == state.Daemon(kind).Token
			if dr.PID == 0 {
				dr.PID = ack.PID
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		dr.Alive = s.alive(kind, dr.PID)
		if dr.Alive {
			dr.Control = s.queryControl(kind)
		}
		rep.Daemons = append(rep.Daemons, dr)
	}

	for _, st := range model.TaskStatuses {
		n, err := s.store.CountTasks(ctx, st)
		if err != nil {
			return nil, err
		}
		rep.Tasks[st] = n
	}
	open, err := s.store.ListAbortRequests(ctx, store.AbortFilter{
		Statuses: []model.AbortStatus{model.AbortWaiting, model.AbortStarted},
	})
	if err != nil {
		return nil, err
	}
	rep.OpenAborts = len(open)
	return rep, nil
}

// queryControl asks a daemon for its progress over the control socket. An
// unreachable socket yields nil.
func (s *Supervisor) queryControl(kind model.DaemonKind) *daemon.Status {
	client := uds.NewClient(s.config.SocketPath(kind))
	client.SetTimeout(controlTimeout)
	resp, err := client.SendCommand(uds.CommandStatus, nil)
	if err != nil {
		return nil
	}
	var st daemon.Status
	if err := resp.Decode(&st); err != nil {
		return nil
	}
	return &st
}
