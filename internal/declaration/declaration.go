// Package declaration decodes the remote authority's desired-state document:
//
//	{"data":[{"circuit_num":3,"state":true},{"circuit_num":7,"state":false}]}
//
// into the circuit registry and the relay bitmask.
package declaration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"circuit-agent/internal/errcode"
	"circuit-agent/internal/models"
)

const (
	fieldData    = "data"
	fieldCircuit = "circuit_num"
	fieldState   = "state"
)

// ErrDecode matches every DecodeError.
var ErrDecode error = errcode.DecodeError

// DecodeError reports why a declaration could not be used. Record is the
// offending position in the data array, or -1 for document-level problems.
type DecodeError struct {
	Record int
	Field  string
	Msg    string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Record < 0 && e.Field == "":
		return fmt.Sprintf("declaration: %s", e.Msg)
	case e.Record < 0:
		return fmt.Sprintf("declaration: %q: %s", e.Field, e.Msg)
	default:
		return fmt.Sprintf("declaration: record %d: %q: %s", e.Record, e.Field, e.Msg)
	}
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

func (e *DecodeError) Code() errcode.Code { return errcode.DecodeError }

type record struct {
	id    int
	hasID bool
	badID bool
	state bool
}

// Decode applies a declaration to reg and returns the resulting bitmask.
//
// An empty registry is populated in declaration order. A populated registry
// is updated by position and the identifiers in the document are ignored. On
// error the registry is left untouched.
func Decode(raw []byte, reg *models.Registry) (models.Bitmask, error) {
	records, err := parse(raw)
	if err != nil {
		return 0, err
	}

	populate := reg.Empty()
	if err := validate(records, reg, populate); err != nil {
		return 0, err
	}

	var mask models.Bitmask
	for i, r := range records {
		if populate {
			reg.Append(r.id, r.state)
		} else {
			reg.SetDesired(i, r.state)
		}
		mask = mask.Set(i, r.state)
	}
	return mask, nil
}

func validate(records []record, reg *models.Registry, populate bool) error {
	if len(records) > models.MaxCircuits {
		return &DecodeError{Record: -1, Field: fieldData,
			Msg: fmt.Sprintf("%d records exceed the %d-circuit limit", len(records), models.MaxCircuits)}
	}
	if !populate {
		if len(records) != reg.Len() {
			return &DecodeError{Record: -1, Field: fieldData,
				Msg: fmt.Sprintf("%d records, registry holds %d circuits", len(records), reg.Len())}
		}
		return nil
	}

	seen := make(map[int]int, len(records))
	for i, r := range records {
		if r.badID {
			return &DecodeError{Record: i, Field: fieldCircuit, Msg: "not an integer"}
		}
		if !r.hasID {
			return &DecodeError{Record: i, Field: fieldCircuit, Msg: "missing"}
		}
		if first, dup := seen[r.id]; dup {
			return &DecodeError{Record: i, Field: fieldCircuit,
				Msg: fmt.Sprintf("circuit %d already declared by record %d", r.id, first)}
		}
		seen[r.id] = i
	}
	return nil
}

func parse(raw []byte) ([]record, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return nil, &DecodeError{Record: -1, Msg: "root is not a JSON object"}
	}

	data, ok := root[fieldData]
	if !ok {
		return nil, &DecodeError{Record: -1, Field: fieldData, Msg: "missing"}
	}
	if !isArray(data) {
		return nil, &DecodeError{Record: -1, Field: fieldData, Msg: "not an array"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &DecodeError{Record: -1, Field: fieldData, Msg: err.Error()}
	}

	records := make([]record, 0, len(items))
	for i, item := range items {
		r, err := parseRecord(i, item)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func parseRecord(i int, item json.RawMessage) (record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return record{}, &DecodeError{Record: i, Msg: "not an object"}
	}

	var r record
	stateRaw, ok := fields[fieldState]
	if !ok {
		return record{}, &DecodeError{Record: i, Field: fieldState, Msg: "missing"}
	}
	state, err := parseState(stateRaw)
	if err != nil {
		return record{}, &DecodeError{Record: i, Field: fieldState, Msg: err.Error()}
	}
	r.state = state

	// The identifier only matters while the registry is being built, so a
	// bad one is recorded here and judged by validate.
	if idRaw, ok := fields[fieldCircuit]; ok {
		var id int
		if err := json.Unmarshal(idRaw, &id); err != nil || isNull(idRaw) {
			r.badID = true
		} else {
			r.id = id
			r.hasID = true
		}
	}
	return r, nil
}

// parseState accepts JSON booleans, numbers (non-zero is on) and the usual
// textual spellings.
func parseState(raw json.RawMessage) (bool, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	switch s := v.(type) {
	case bool:
		return s, nil
	case float64:
		return s != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
		return false, fmt.Errorf("unrecognised state %q", s)
	default:
		return false, fmt.Errorf("unsupported state value %s", string(raw))
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}
