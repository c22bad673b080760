package state

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// RecordVersion is the persisted record format version.
const RecordVersion = 1

// record is the persisted form of one node: its own vars only. Parent and
// children are separate records.
type record struct {
	Version int                        `json:"v"`
	Class   string                     `json:"class"`
	Schema  string                     `json:"schema"`
	Vars    map[string]json.RawMessage `json:"vars"`
	Backend map[string]json.RawMessage `json:"backend,omitempty"`
}

// MarshalRecord serializes the node's own base and backend vars.
func (n *Node) MarshalRecord() ([]byte, error) {
	rec := record{
		Version: RecordVersion,
		Class:   n.class.fullName,
		Schema:  n.class.hash,
		Vars:    make(map[string]json.RawMessage, len(n.values)),
	}
	for name, v := range n.values {
		raw, err := sonic.ConfigStd.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s.%s: %w", n.class.fullName, name, err)
		}
		rec.Vars[name] = raw
	}
	if len(n.backend) > 0 {
		rec.Backend = make(map[string]json.RawMessage, len(n.backend))
		for name, v := range n.backend {
			raw, err := sonic.ConfigStd.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal backend %s.%s: %w", n.class.fullName, name, err)
			}
			rec.Backend[name] = raw
		}
	}
	return sonic.ConfigStd.Marshal(rec)
}

// UnmarshalRecord replaces the node's vars with the persisted ones. On any
// error the node is left unchanged; a StateSchemaMismatchError means the
// bytes were written for another class shape and should be treated as a miss.
func (n *Node) UnmarshalRecord(data []byte) error {
	var rec record
	if err := sonic.ConfigStd.Unmarshal(data, &rec); err != nil {
		return &StateSchemaMismatchError{Class: n.class.fullName, Expected: n.class.hash, Found: "unreadable"}
	}
	if rec.Version != RecordVersion || rec.Class != n.class.fullName || rec.Schema != n.class.hash {
		return &StateSchemaMismatchError{
			Class:    n.class.fullName,
			Expected: fmt.Sprintf("v%d/%s/%s", RecordVersion, n.class.fullName, n.class.hash),
			Found:    fmt.Sprintf("v%d/%s/%s", rec.Version, rec.Class, rec.Schema),
		}
	}
	values, err := n.decodeVars(n.class.baseVars, rec.Vars)
	if err != nil {
		return err
	}
	backend, err := n.decodeVars(n.class.backendVars, rec.Backend)
	if err != nil {
		return err
	}
	n.values = values
	n.backend = backend
	n.cache = make(map[string]any)
	seen := make(map[*Node]map[string]bool)
	for name := range n.class.declared {
		n.invalidate(name, seen)
	}
	n.loaded = true
	n.modified = false
	return nil
}

func (n *Node) decodeVars(names []string, raw map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(names))
	for _, name := range names {
		data, ok := raw[name]
		if !ok {
			return nil, &StateSchemaMismatchError{Class: n.class.fullName, Expected: n.class.hash, Found: "missing var " + name}
		}
		v, err := decodeAs(n.class.defaults[name], data)
		if err != nil {
			return nil, &StateSchemaMismatchError{Class: n.class.fullName, Expected: n.class.hash, Found: fmt.Sprintf("bad %s: %v", name, err)}
		}
		out[name] = v
	}
	return out, nil
}

// decodeAs decodes data into the dynamic type of the declared default.
func decodeAs(def any, data json.RawMessage) (any, error) {
	if def == nil {
		var v any
		err := sonic.ConfigStd.Unmarshal(data, &v)
		return v, err
	}
	ptr := reflect.New(reflect.TypeOf(def))
	if err := sonic.ConfigStd.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
