// Package store is the durable sink for reconciled call results.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"callbridge/internal/calls"
)

// txStarter is the minimal pool surface SaveResult needs; pgxpool.Pool and
// pgxmock both satisfy it.
type txStarter interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store persists call outcomes.
//
// Idempotency invariant: the interaction insert is keyed on call_id with
// conflict-ignore, so the webhook path and the poll path racing on the same
// call produce exactly one row. That unique constraint is the sole
// cross-process guard against the two delivery paths double-writing.
type Store struct {
	pool txStarter
	log  *slog.Logger
}

func New(pool txStarter, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log}
}

var ErrMissingCallID = errors.New("store: result has no call id")

// SaveResult updates the provider record's call fields and records the
// interaction row. Safe to call from both delivery paths; the second
// writer is a no-op.
//
// A provider-record id that is not a well-formed UUID means the call was
// placed against an ephemeral, non-durable record; the provider update is
// skipped with a log line, not an error.
func (s *Store) SaveResult(ctx context.Context, res calls.CallResult, req calls.CallRequest) (err error) {
	if res.CallID == "" {
		return ErrMissingCallID
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.log.Error("rollback failed", "call_id", res.CallID, "err", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("commit tx: %w", commitErr)
		}
	}()

	if durableUUID(req.ProviderRecordID) {
		if _, err = tx.Exec(ctx, `
            UPDATE provider_records
            SET call_status = $2,
                call_outcome = $3,
                last_called_at = now(),
                updated_at = now()
            WHERE id = $1
        `, req.ProviderRecordID, string(res.Status), res.Analysis.Summary); err != nil {
			return fmt.Errorf("update provider record: %w", err)
		}
	} else if req.ProviderRecordID != "" {
		s.log.Info("ephemeral provider record; skipping durable update",
			"call_id", res.CallID, "provider_record_id", req.ProviderRecordID)
	}

	structured, err := json.Marshal(res.Analysis.StructuredData)
	if err != nil {
		return fmt.Errorf("encode structured data: %w", err)
	}

	groupID := nullableUUID(req.RequestGroupID)
	recordID := nullableUUID(req.ProviderRecordID)

	cmdTag, execErr := tx.Exec(ctx, `
        INSERT INTO call_interactions (
            id, call_id, request_group_id, provider_record_id,
            provider_name, phone_number,
            status, execution_method, ended_reason,
            duration_minutes, cost_usd,
            transcript, summary, structured_data, success_evaluation,
            data_status, fetch_attempts
        ) VALUES (
            $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
        )
        ON CONFLICT (call_id) DO NOTHING
    `,
		uuid.NewString(),
		res.CallID,
		groupID,
		recordID,
		req.ProviderName,
		req.PhoneNumber,
		string(res.Status),
		string(res.ExecutionMethod),
		res.EndedReason,
		res.DurationMinutes,
		res.CostUSD,
		res.Transcript,
		res.Analysis.Summary,
		structured,
		res.Analysis.SuccessEvaluation,
		string(res.DataStatus),
		res.FetchAttempts,
	)
	if execErr != nil {
		return fmt.Errorf("insert interaction: %w", execErr)
	}

	if cmdTag.RowsAffected() == 0 {
		// The other delivery path won the race; nothing to do.
		s.log.Info("interaction already recorded", "call_id", res.CallID)
		return nil
	}

	s.log.Info("interaction recorded", "call_id", res.CallID, "status", res.Status, "method", res.ExecutionMethod)
	return nil
}

func durableUUID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func nullableUUID(id string) *string {
	if !durableUUID(id) {
		return nil
	}
	return &id
}
