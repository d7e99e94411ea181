package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Boot is a recorded boot.
type Boot struct {
	ID            string `json:"id"`
	KernelVersion string `json:"kernel_version"`
	UserCapacity  int    `json:"user_capacity"`
	Ordinal       int    `json:"ordinal"`
}

// Transition is a recorded state change.
type Transition struct {
	Seq         int64  `json:"seq"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	From        string `json:"from"`
	To          string `json:"to"`
	Subscribers int    `json:"subscribers"`
}

// Outcome is a recorded loading command result.
type Outcome struct {
	Command  string `json:"command"`
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Fault is a recorded fault report handling.
type Fault struct {
	PID        int    `json:"pid"`
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Action     string `json:"action"`
	FaultCount int    `json:"fault_count"`
	Excluded   []int  `json:"excluded"`
	Error      string `json:"error,omitempty"`
}

// Boots returns every recorded boot, oldest first.
func (j *Journal) Boots(ctx context.Context) ([]Boot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kernel_version, user_capacity, ordinal
		FROM boots
		ORDER BY ordinal ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query boots: %w", err)
	}
	defer rows.Close()

	boots := []Boot{}
	for rows.Next() {
		var b Boot
		if err := rows.Scan(&b.ID, &b.KernelVersion, &b.UserCapacity, &b.Ordinal); err != nil {
			return nil, fmt.Errorf("scan boot: %w", err)
		}
		boots = append(boots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boots: %w", err)
	}
	return boots, nil
}

// ReadTransitions returns the transitions of a boot ordered by seq.
func (j *Journal) ReadTransitions(ctx context.Context, bootID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, bin_index, name, from_state, to_state, subscribers
		FROM transitions
		WHERE boot_id = ?
		ORDER BY seq ASC
	`, bootID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.Seq, &t.Index, &t.Name, &t.From, &t.To, &t.Subscribers); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// ReadOutcomes returns the loading outcomes of a boot in insertion order.
func (j *Journal) ReadOutcomes(ctx context.Context, bootID string) ([]Outcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT command, bin_index, name, attempts, error
		FROM outcomes
		WHERE boot_id = ?
		ORDER BY id ASC
	`, bootID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := []Outcome{}
	for rows.Next() {
		var (
			o       Outcome
			errText sql.NullString
		)
		if err := rows.Scan(&o.Command, &o.Index, &o.Name, &o.Attempts, &errText); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Error = errText.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// ReadFaults returns the fault handling records of a boot in insertion order.
func (j *Journal) ReadFaults(ctx context.Context, bootID string) ([]Fault, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT pid, bin_index, name, action, fault_count, excluded, error
		FROM faults
		WHERE boot_id = ?
		ORDER BY id ASC
	`, bootID)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	out := []Fault{}
	for rows.Next() {
		var (
			f        Fault
			excluded string
			errText  sql.NullString
		)
		if err := rows.Scan(&f.PID, &f.Index, &f.Name, &f.Action, &f.FaultCount, &excluded, &errText); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		if err := json.Unmarshal([]byte(excluded), &f.Excluded); err != nil {
			return nil, fmt.Errorf("decode excluded tasks: %w", err)
		}
		f.Error = errText.String
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faults: %w", err)
	}
	return out, nil
}
