package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valinor-ai/relay/internal/platform/database"
)

// Store handles dead-letter persistence.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// InsertBatch writes a batch of entries to the database.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(entries)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	if _, err := db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting dead letters: %w", err)
	}
	return nil
}

// buildBatchInsert constructs a multi-row INSERT statement. Payloads that are
// not valid JSON are stored as a JSON string.
func buildBatchInsert(entries []Entry) (string, []any, error) {
	const cols = "(id, source, reason, reference, payload, error, created_at)"
	var placeholders []string
	var args []any

	for i, e := range entries {
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))

		var payload []byte
		if len(e.Payload) > 0 {
			if json.Valid(e.Payload) {
				payload = e.Payload
			} else {
				quoted, err := json.Marshal(string(e.Payload))
				if err != nil {
					return "", nil, fmt.Errorf("marshaling payload: %w", err)
				}
				payload = quoted
			}
		}

		args = append(args, e.ID, e.Source, e.Reason, nullable(e.Reference), payload, nullable(e.Error), e.CreatedAt)
	}

	sql := fmt.Sprintf("INSERT INTO dead_letters %s VALUES %s", cols, strings.Join(placeholders, ", "))
	return sql, args, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
