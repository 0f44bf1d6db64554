package cachestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

// ExportRecord is one line of the portable export format (R3): a
// single fragment's materialized state, independent of back-end
// encoding. Export/Import round-trip a partition between any two
// Store implementations through this format, driving the `cache
// export|import|copy` CLI verbs.
type ExportRecord struct {
	FragmentHash string      `json:"fragment_hash"`
	Kind         EntryKind   `json:"kind"`
	IDs          []string    `json:"ids,omitempty"`
	Status       EntryStatus `json:"status"`
	Source       string      `json:"source_sql,omitempty"`
}

// Export streams every entry of partitionKey from store as newline-
// delimited JSON records to w, one record per fragment hash reported
// by AllKeys.
func Export(ctx context.Context, store Store, partitionKey string, w io.Writer) (int, error) {
	hashes, err := store.AllKeys(ctx, partitionKey)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	n := 0
	for _, h := range hashes {
		res, err := store.Get(ctx, partitionKey, h)
		if err != nil {
			return n, err
		}
		if res.Kind == Absent {
			continue
		}
		rec := ExportRecord{
			FragmentHash: h,
			Kind:         res.Kind,
			Status:       res.Status,
			Source:       res.Source,
		}
		if res.Kind == Set {
			rec.IDs = idSetToStrings(res.IDs)
		}
		if err := enc.Encode(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Import reads newline-delimited ExportRecords from r and writes them
// into store under partitionKey, which must already be registered
// with datatype dt. Set records round-trip through PutEntry; null
// markers and non-OK statuses round-trip through PutNull/PutStatus so
// a re-imported partition does not look like it needs recomputation.
func Import(ctx context.Context, store Store, partitionKey string, dt Datatype, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)

	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return n, err
		}

		switch {
		case rec.Kind == NullMarker && rec.Status == StatusOK:
			if err := store.PutNull(ctx, partitionKey, rec.FragmentHash); err != nil {
				return n, err
			}
		case rec.Kind == Set && rec.Status == StatusOK:
			ids, err := stringsToIDSet(dt, rec.IDs)
			if err != nil {
				return n, err
			}
			if err := store.PutEntry(ctx, partitionKey, rec.FragmentHash, ids, rec.Source); err != nil {
				return n, err
			}
		default:
			if err := store.PutStatus(ctx, partitionKey, rec.FragmentHash, rec.Status, rec.Source); err != nil {
				return n, err
			}
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func idSetToStrings(ids IDSet) []string {
	switch ids.Datatype {
	case Integer:
		out := make([]string, len(ids.Ints))
		for i, v := range ids.Ints {
			out[i] = strconv.FormatInt(v, 10)
		}
		return out
	case Float:
		out := make([]string, len(ids.Floats))
		for i, v := range ids.Floats {
			out[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return out
	case Timestamp:
		out := make([]string, len(ids.Times))
		for i, v := range ids.Times {
			out[i] = v.Format(time.RFC3339Nano)
		}
		return out
	default:
		return ids.Texts
	}
}

func stringsToIDSet(dt Datatype, vals []string) (IDSet, error) {
	ids := IDSet{Datatype: dt}
	switch dt {
	case Integer:
		ids.Ints = make([]int64, len(vals))
		for i, v := range vals {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return IDSet{}, fmt.Errorf("import: invalid integer id %q: %w", v, err)
			}
			ids.Ints[i] = n
		}
	case Float:
		ids.Floats = make([]float64, len(vals))
		for i, v := range vals {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return IDSet{}, fmt.Errorf("import: invalid float id %q: %w", v, err)
			}
			ids.Floats[i] = f
		}
	case Timestamp:
		ids.Times = make([]time.Time, len(vals))
		for i, v := range vals {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return IDSet{}, fmt.Errorf("import: invalid timestamp id %q: %w", v, err)
			}
			ids.Times[i] = t
		}
	case Text:
		ids.Texts = vals
	default:
		return IDSet{}, &pcerrors.InvalidDatatypeError{Datatype: string(dt)}
	}
	return ids, nil
}
