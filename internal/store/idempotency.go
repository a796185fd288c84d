package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"agentflow/internal/models"
)

// CheckAndRecord claims first execution of a step identified by
// (scopeID, stepName, fingerprint). The INSERT ... ON CONFLICT DO NOTHING is
// the race arbiter: exactly one concurrent caller inserts and gets
// done=false; everyone else reads the existing row. An existing in_progress
// row also returns done=false — a step whose success was never recorded is
// re-executed rather than silently skipped.
func (s *Store) CheckAndRecord(ctx context.Context, scopeID, stepName, fingerprint string) (bool, json.RawMessage, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO step_results (scope_id, step_name, fingerprint, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (scope_id, step_name, fingerprint) DO NOTHING
	`, scopeID, stepName, fingerprint, models.StepInProgress)
	if err != nil {
		return false, nil, fmt.Errorf("record step start: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil, nil
	}

	var status string
	var output []byte
	err = s.pool.QueryRow(ctx, `
		SELECT status, output FROM step_results
		WHERE scope_id = $1 AND step_name = $2 AND fingerprint = $3
	`, scopeID, stepName, fingerprint).Scan(&status, &output)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row vanished between insert and read; treat as not yet done.
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read step result: %w", err)
	}
	if status != models.StepDone {
		return false, nil, nil
	}
	return true, json.RawMessage(output), nil
}

// RecordSuccess persists the step output and flips the record to done. If
// this write fails the step stays in_progress and the next attempt re-runs
// it: possible duplicate execution is preferred over silently lost work.
func (s *Store) RecordSuccess(ctx context.Context, scopeID, stepName, fingerprint string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage(`null`)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_results
		SET status = $4, output = $5, updated_at = NOW()
		WHERE scope_id = $1 AND step_name = $2 AND fingerprint = $3
	`, scopeID, stepName, fingerprint, models.StepDone, output)
	if err != nil {
		return fmt.Errorf("record step success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s: %w", scopeID, stepName, ErrNotFound)
	}
	return nil
}

// Fingerprint hashes a step's logical inputs into a deterministic key.
// Maps are serialized with sorted keys so equal inputs always produce equal
// fingerprints regardless of insertion order.
func Fingerprint(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return marshalCanonical(decoded)
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(t)
	}
}
