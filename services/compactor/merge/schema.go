// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package merge

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// TsEventColumn is the event-time column every input must carry.
const TsEventColumn = "ts_event"

// SeqColumn is the injected dense sequence column.
const SeqColumn = "seq"

// namedField adapts an arbitrary node into a parquet.Field with an
// explicit name. Value is never called on the write path (rows are written
// with WriteRows, not reflection).
type namedField struct {
	parquet.Node
	name string
}

func (f namedField) Name() string { return f.name }

func (f namedField) Value(reflect.Value) reflect.Value { return reflect.Value{} }

// orderedGroup is a group node whose field order is explicit. parquet.Group
// alone sorts fields alphabetically, which would break the contract that
// seq sits immediately after ts_event; embedding it keeps the remaining
// Node behavior while Fields() supplies the real order.
type orderedGroup struct {
	parquet.Group
	fields []parquet.Field
}

func (g orderedGroup) Fields() []parquet.Field { return g.fields }

// outputSchema describes the merge output layout and how input leaves map
// into it.
type outputSchema struct {
	schema *parquet.Schema

	// leafNames in output order.
	leafNames []string

	// tsLeaf and seqLeaf are output leaf positions; seqLeaf is -1 when seq
	// injection is off.
	tsLeaf  int
	seqLeaf int

	plain bool
}

// buildOutputSchema derives the output schema from a reference input
// schema. Only flat schemas are supported - market-data files never nest.
// In plain mode every leaf is rebuilt from its value type, which drops
// per-file dictionary encodings from the output.
func buildOutputSchema(ref *parquet.Schema, addSeq, plain bool) (*outputSchema, error) {
	fields := ref.Fields()
	out := &outputSchema{tsLeaf: -1, seqLeaf: -1, plain: plain}
	var ordered []parquet.Field

	for _, f := range fields {
		if !f.Leaf() {
			return nil, fmt.Errorf("merge: nested column %q is not supported", f.Name())
		}
		if addSeq && f.Name() == SeqColumn {
			return nil, fmt.Errorf("merge: input already carries a %s column", SeqColumn)
		}
		var node parquet.Node = f
		if plain {
			node = parquet.Leaf(f.Type())
			if f.Optional() {
				node = parquet.Optional(node)
			}
		}
		ordered = append(ordered, namedField{Node: node, name: f.Name()})
		out.leafNames = append(out.leafNames, f.Name())

		if f.Name() == TsEventColumn {
			out.tsLeaf = len(out.leafNames) - 1
			if addSeq {
				ordered = append(ordered, namedField{Node: parquet.Leaf(parquet.Int64Type), name: SeqColumn})
				out.leafNames = append(out.leafNames, SeqColumn)
				out.seqLeaf = len(out.leafNames) - 1
			}
		}
	}

	if out.tsLeaf < 0 {
		return nil, fmt.Errorf("merge: schema has no %s column", TsEventColumn)
	}
	if addSeq && out.seqLeaf < 0 {
		return nil, fmt.Errorf("merge: could not place %s column", SeqColumn)
	}

	group := make(parquet.Group, len(ordered))
	for _, f := range ordered {
		group[f.Name()] = f.(namedField).Node
	}
	out.schema = parquet.NewSchema(ref.Name(), orderedGroup{Group: group, fields: ordered})
	return out, nil
}

// remapFor returns the mapping from an input schema's leaf positions to
// output leaf positions. In strict mode input column order must equal the
// reference order; in plain mode leaves are matched by name so inputs with
// drifted column order still merge.
func (o *outputSchema) remapFor(in *parquet.Schema) ([]int, error) {
	fields := in.Fields()
	remap := make([]int, len(fields))

	outIdx := make(map[string]int, len(o.leafNames))
	for i, name := range o.leafNames {
		outIdx[name] = i
	}

	for i, f := range fields {
		if !f.Leaf() {
			return nil, fmt.Errorf("merge: nested column %q is not supported", f.Name())
		}
		dst, ok := outIdx[f.Name()]
		if !ok {
			return nil, fmt.Errorf("merge: column %q missing from output schema", f.Name())
		}
		remap[i] = dst
	}
	return remap, nil
}

// schemaSignature fingerprints a schema for conflict detection. Strict
// mode requires byte-identical schema structure; plain mode only requires
// matching leaf names and physical types, because the plain rewrite
// normalizes everything else.
func schemaSignature(s *parquet.Schema, plain bool) string {
	if !plain {
		return s.String()
	}
	parts := make([]string, 0, len(s.Fields()))
	for _, f := range s.Fields() {
		if !f.Leaf() {
			parts = append(parts, f.Name()+":group")
			continue
		}
		opt := ""
		if f.Optional() {
			opt = "?"
		}
		parts = append(parts, f.Name()+":"+f.Type().Kind().String()+opt)
	}
	// Plain mode matches by name, so the fingerprint must not depend on
	// column order.
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// leafIndex returns the position of a named leaf in a flat schema, or -1.
func leafIndex(s *parquet.Schema, name string) int {
	for i, f := range s.Fields() {
		if f.Name() == name {
			return i
		}
	}
	return -1
}

// tsEventBounds reads the file-level min/max of ts_event from row-group
// column statistics. ok is false when any row group lacks them, which
// disables the fast path for that input.
func tsEventBounds(f *parquet.File, tsLeaf int) (min, max int64, ok bool) {
	meta := f.Metadata()
	if len(meta.RowGroups) == 0 {
		return 0, 0, false
	}
	first := true
	for _, rg := range meta.RowGroups {
		if tsLeaf >= len(rg.Columns) {
			return 0, 0, false
		}
		stats := rg.Columns[tsLeaf].MetaData.Statistics
		lo, okLo := decodeInt64Stat(stats.MinValue, stats.Min)
		hi, okHi := decodeInt64Stat(stats.MaxValue, stats.Max)
		if !okLo || !okHi {
			return 0, 0, false
		}
		if first || lo < min {
			min = lo
		}
		if first || hi > max {
			max = hi
		}
		first = false
	}
	return min, max, true
}

// decodeInt64Stat decodes a plain-encoded INT64 statistic, preferring the
// v2 MinValue/MaxValue fields over the deprecated Min/Max.
func decodeInt64Stat(v2, v1 []byte) (int64, bool) {
	raw := v2
	if len(raw) == 0 {
		raw = v1
	}
	if len(raw) != 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(raw)), true
}
