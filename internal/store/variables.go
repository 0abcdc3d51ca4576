package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskq/internal/model"
)

// SetVariable creates or replaces the named variable.
func (s *Store) SetVariable(ctx context.Context, name, value string) error {
	now := formatTime(s.now())
	q := s.qb.Insert("variables").
		Columns("name", "value", "created_at", "updated_at").
		Values(name, value, now, now).
		Suffix("ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")
	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("set variable %q: %w", name, err)
	}
	return nil
}

// GetVariable returns the named variable or ErrNotFound.
func (s *Store) GetVariable(ctx context.Context, name string) (*model.Variable, error) {
	vars, err := s.selectVariables(ctx, s.qb.Select("name", "value", "created_at", "updated_at").
		From("variables").Where(squirrel.Eq{"name": name}))
	if err != nil {
		return nil, fmt.Errorf("get variable %q: %w", name, err)
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("variable %q: %w", name, ErrNotFound)
	}
	return &vars[0], nil
}

// DeleteVariable removes the named variable and reports whether it existed.
func (s *Store) DeleteVariable(ctx context.Context, name string) (bool, error) {
	n, err := s.exec(ctx, s.qb.Delete("variables").Where(squirrel.Eq{"name": name}))
	if err != nil {
		return false, fmt.Errorf("delete variable %q: %w", name, err)
	}
	return n > 0, nil
}

// ListVariables returns every variable ordered by name.
func (s *Store) ListVariables(ctx context.Context) ([]model.Variable, error) {
	vars, err := s.selectVariables(ctx, s.qb.Select("name", "value", "created_at", "updated_at").
		From("variables").OrderBy("name ASC"))
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	return vars, nil
}

// SupervisorState loads the supervisor record. A missing record yields the
// zero state (inactive).
func (s *Store) SupervisorState(ctx context.Context) (model.SupervisorState, error) {
	var st model.SupervisorState
	if err := s.getRecord(ctx, model.VarSupervisor, &st); err != nil && !errors.Is(err, ErrNotFound) {
		return model.SupervisorState{}, err
	}
	return st, nil
}

func (s *Store) SaveSupervisorState(ctx context.Context, st model.SupervisorState) error {
	return s.putRecord(ctx, model.VarSupervisor, st)
}

// DaemonAck returns the readiness record of the daemon of the given kind, or
// ErrNotFound if it has not acknowledged.
func (s *Store) DaemonAck(ctx context.Context, kind model.DaemonKind) (*model.DaemonAck, error) {
	var ack model.DaemonAck
	if err := s.getRecord(ctx, model.AckVariable(kind), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (s *Store) SaveDaemonAck(ctx context.Context, ack model.DaemonAck) error {
	return s.putRecord(ctx, model.AckVariable(ack.Kind), ack)
}

func (s *Store) DeleteDaemonAck(ctx context.Context, kind model.DaemonKind) error {
	_, err := s.DeleteVariable(ctx, model.AckVariable(kind))
	return err
}

func (s *Store) getRecord(ctx context.Context, name string, out any) error {
	v, err := s.GetVariable(ctx, name)
	if err != nil {
		return err
	}
	if err := yamlv3.Unmarshal([]byte(v.Value), out); err != nil {
		return fmt.Errorf("decode variable %q: %w", name, err)
	}
	return nil
}

func (s *Store) putRecord(ctx context.Context, name string, v any) error {
	data, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode variable %q: %w", name, err)
	}
	return s.SetVariable(ctx, name, string(data))
}

func (s *Store) selectVariables(ctx context.Context, q squirrel.SelectBuilder) ([]model.Variable, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var vars []model.Variable
	err = retryOnBusy(ctx, busyMaxRetries, func() error {
		vars = vars[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				v                    model.Variable
				createdAt, updatedAt string
			)
			if err := rows.Scan(&v.Name, &v.Value, &createdAt, &updatedAt); err != nil {
				return err
			}
			if v.CreatedAt, err = parseTime(createdAt); err != nil {
				return err
			}
			if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
				return err
			}
			vars = append(vars, v)
		}
		return rows.Err()
	})
	return vars, err
}
