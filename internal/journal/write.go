package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/recovery"
	"github.com/roach88/binmgr/internal/registry"
)

// RecordTransition appends an accepted transition. Writing the same seq
// twice in one boot is silently ignored.
func (j *Journal) RecordTransition(ctx context.Context, ch registry.Change) error {
	boot, err := j.current()
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO transitions
		(boot_id, seq, bin_index, name, from_state, to_state, subscribers)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(boot_id, seq) DO NOTHING
	`,
		boot,
		ch.Seq,
		ch.Index,
		ch.Name,
		ch.From.String(),
		ch.To.String(),
		len(ch.Subscribers),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordOutcome appends a loading command outcome.
func (j *Journal) RecordOutcome(ctx context.Context, o loader.Outcome) error {
	boot, err := j.current()
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO outcomes (boot_id, command, bin_index, name, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		boot,
		o.Command.Kind.String(),
		o.Index,
		o.Name,
		o.Attempts,
		errorText(o.Err),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecordFault appends the handling result of a fault report.
func (j *Journal) RecordFault(ctx context.Context, res recovery.Result) error {
	boot, err := j.current()
	if err != nil {
		return fmt.Errorf("record fault: %w", err)
	}
	excluded := res.Excluded
	if excluded == nil {
		excluded = []int{}
	}
	excludedJSON, err := json.Marshal(excluded)
	if err != nil {
		return fmt.Errorf("record fault: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO faults (boot_id, pid, bin_index, name, action, fault_count, excluded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		boot,
		res.PID,
		res.Index,
		res.Name,
		res.Action.String(),
		res.FaultCount,
		string(excludedJSON),
		errorText(res.Err),
	)
	if err != nil {
		return fmt.Errorf("record fault: %w", err)
	}
	return nil
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
