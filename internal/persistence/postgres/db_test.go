// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"slices"
	"testing"
)

func TestNewPoolInvalidURL(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(context.Background(), "://not-valid", PoolOptions{})
	if err == nil {
		t.Fatal("expected invalid URL to return an error")
	}
	if pool != nil {
		t.Fatal("expected pool to be nil on parse error")
	}
}

func TestRequiredSchemaCoversStateTables(t *testing.T) {
	want := map[string][]string{
		"paused_events":         {"event_id", "paused_at"},
		"distribution_progress": {"event_id", "run_id", "distributions", "current_dist_index", "current_recipient_index"},
		"progress_recipients":   {"event_id", "recipient_id", "seq"},
	}

	if len(requiredSchema) != len(want) {
		t.Fatalf("expected %d required tables got %d", len(want), len(requiredSchema))
	}
	for table, columns := range want {
		got, ok := requiredSchema[table]
		if !ok {
			t.Fatalf("expected %s in required schema", table)
		}
		for _, col := range columns {
			if !slices.Contains(got, col) {
				t.Fatalf("expected %s.%s in required schema", table, col)
			}
		}
	}
}
