package scheduler

import (
	"strings"
	"testing"

	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

func TestDefaultProcessSQL(t *testing.T) {
	got := DefaultProcessSQL(queue.SchemaName("partitioncache"), "pcache_process_one")
	want := `CALL "partitioncache"."pcache_process_one"()`
	if got != want {
		t.Errorf("DefaultProcessSQL() = %q, want %q", got, want)
	}
}

func TestDefaultSweepSQL(t *testing.T) {
	got := DefaultSweepSQL(queue.SchemaName("partitioncache"), "pcache_sweep_one")
	want := `CALL "partitioncache"."pcache_sweep_one"()`
	if got != want {
		t.Errorf("DefaultSweepSQL() = %q, want %q", got, want)
	}
}

func TestBridgeQualified(t *testing.T) {
	b := New(nil, queue.SchemaName("myschema"))
	got := b.qualified(configTable)
	if !strings.HasPrefix(got, `"myschema".`) || !strings.Contains(got, configTable) {
		t.Errorf("qualified() = %q, want schema-qualified %q", got, configTable)
	}
}

func TestNewDefaultsSchema(t *testing.T) {
	b := New(nil, "")
	if b.schema != "public" {
		t.Errorf("schema = %q, want \"public\" when unset", b.schema)
	}
}
