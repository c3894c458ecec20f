package conflict

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/suprimo/suprimo/pkg/types"
)

// FieldKind classifies one conflicting field
type FieldKind string

const (
	AddedLocal     FieldKind = "added_local"
	AddedRemote    FieldKind = "added_remote"
	TypeChange     FieldKind = "type_change"
	ArrayConflict  FieldKind = "array_conflict"
	ObjectConflict FieldKind = "object_conflict"
	ValueConflict  FieldKind = "value_conflict"
)

// Resolution is the outcome of conflict detection
type Resolution string

const (
	NoConflict   Resolution = "no_conflict"
	PushLocal    Resolution = "push_local"
	AcceptRemote Resolution = "accept_remote"
	RealConflict Resolution = "conflict"
)

// FieldConflict describes one field that differs between concurrent replicas
type FieldConflict struct {
	Field  string    `json:"field"`
	Kind   FieldKind `json:"kind"`
	Local  any       `json:"local,omitempty"`
	Remote any       `json:"remote,omitempty"`
}

// Detection is the full result of Detect
type Detection struct {
	Resolution     Resolution      `json:"resolution"`
	Fields         []FieldConflict `json:"fields,omitempty"`
	CanAutoResolve bool            `json:"canAutoResolve"`
}

// metadataFields are bookkeeping keys excluded from conflict analysis
var metadataFields = map[string]bool{
	"id":            true,
	"createdAt":     true,
	"updatedAt":     true,
	"version":       true,
	"versionVector": true,
}

// criticalFields may never be auto-resolved when they conflict
var criticalFields = map[string]bool{
	"status":      true,
	"quotedTotal": true,
	"items":       true,
	"orderId":     true,
	"confirmedAt": true,
}

// Detect compares two replicas of one document. Identical bytes mean no
// conflict; otherwise the version vectors decide the direction, and only a
// Concurrent pair is a real conflict with per-field classification.
func Detect(local, remote map[string]any, localVec, remoteVec types.VersionVector) Detection {
	if sameBytes(local, remote) {
		return Detection{Resolution: NoConflict, CanAutoResolve: true}
	}

	switch Compare(localVec, remoteVec) {
	case Greater:
		return Detection{Resolution: PushLocal, CanAutoResolve: true}
	case Less:
		return Detection{Resolution: AcceptRemote, CanAutoResolve: true}
	case Equal:
		// Same causal history but different bytes: treat as concurrent edits
	}

	fields := diffFields(local, remote)
	auto := true
	for _, f := range fields {
		if criticalFields[f.Field] {
			auto = false
			break
		}
	}
	return Detection{Resolution: RealConflict, Fields: fields, CanAutoResolve: auto}
}

// diffFields lists the non-metadata fields that differ, classified
func diffFields(local, remote map[string]any) []FieldConflict {
	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	var fields []FieldConflict
	for k := range keys {
		if metadataFields[k] {
			continue
		}
		lv, inLocal := local[k]
		rv, inRemote := remote[k]

		switch {
		case inLocal && !inRemote:
			fields = append(fields, FieldConflict{Field: k, Kind: AddedLocal, Local: lv})
		case !inLocal && inRemote:
			fields = append(fields, FieldConflict{Field: k, Kind: AddedRemote, Remote: rv})
		case !equalValues(lv, rv):
			fields = append(fields, FieldConflict{Field: k, Kind: classify(lv, rv), Local: lv, Remote: rv})
		}
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

func classify(lv, rv any) FieldKind {
	lk := jsonKind(lv)
	rk := jsonKind(rv)
	if lk != rk {
		return TypeChange
	}
	switch lk {
	case "array":
		return ArrayConflict
	case "object":
		return ObjectConflict
	default:
		return ValueConflict
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			return "array"
		case reflect.Map, reflect.Struct:
			return "object"
		default:
			return "scalar"
		}
	}
}

// equalValues compares two JSON-ish values structurally, tolerating
// int/float representation differences
func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func sameBytes(a, b map[string]any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
