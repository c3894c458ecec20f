package conflict

import "github.com/suprimo/suprimo/pkg/types"

// Ordering is the causal relation between two version vectors
type Ordering int

const (
	Equal Ordering = iota
	Greater
	Less
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	case Less:
		return "less"
	default:
		return "concurrent"
	}
}

// Compare relates two version vectors component-wise. A component missing
// from one vector counts as zero, so {a:1} and {a:1, b:0} are Equal.
func Compare(a, b types.VersionVector) Ordering {
	aAhead := false
	bAhead := false

	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}

	for k := range seen {
		av := a[k]
		bv := b[k]
		if av > bv {
			aAhead = true
		} else if bv > av {
			bAhead = true
		}
	}

	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return Greater
	case bAhead:
		return Less
	default:
		return Equal
	}
}

// MergeVectors returns the component-wise max of the inputs, incremented at
// the local device
func MergeVectors(local, remote types.VersionVector, deviceID string) types.VersionVector {
	out := make(types.VersionVector, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range remote {
		if v > out[k] {
			out[k] = v
		}
	}
	if deviceID != "" {
		out[deviceID]++
	}
	return out
}
