package conflict

import (
	"sort"

	"github.com/suprimo/suprimo/pkg/types"
)

// MergeResult is the outcome of a three-way merge
type MergeResult struct {
	Success             bool                `json:"success"`
	Merged              map[string]any      `json:"merged"`
	UnresolvedConflicts []FieldConflict     `json:"unresolvedConflicts,omitempty"`
	AppliedChanges      []string            `json:"appliedChanges,omitempty"`
	VersionVector       types.VersionVector `json:"versionVector"`
}

// Merge folds local and remote edits over their common base. For every
// non-metadata key: neither side changed keeps base, one side changed takes
// that side, both changed identically takes the shared value, and both
// changed differently is an unresolved conflict. Metadata keys always come
// from the later vector side; the merged vector is the component-wise max
// incremented at deviceID.
func Merge(base, local, remote map[string]any, localVec, remoteVec types.VersionVector, deviceID string) MergeResult {
	merged := make(map[string]any, len(local)+len(remote))

	keys := make(map[string]bool, len(base)+len(local)+len(remote))
	for k := range base {
		keys[k] = true
	}
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	var applied []string
	var unresolved []FieldConflict

	for k := range keys {
		if metadataFields[k] {
			continue
		}
		baseV, inBase := base[k]
		localV, inLocal := local[k]
		remoteV, inRemote := remote[k]

		localChanged := inLocal != inBase || (inLocal && !equalValues(baseV, localV))
		remoteChanged := inRemote != inBase || (inRemote && !equalValues(baseV, remoteV))

		switch {
		case !localChanged && !remoteChanged:
			if inBase {
				merged[k] = baseV
			}
		case localChanged && !remoteChanged:
			if inLocal {
				merged[k] = localV
			}
			applied = append(applied, k+":local")
		case !localChanged && remoteChanged:
			if inRemote {
				merged[k] = remoteV
			}
			applied = append(applied, k+":remote")
		default:
			if inLocal == inRemote && (!inLocal || equalValues(localV, remoteV)) {
				// Both sides made the same edit
				if inLocal {
					merged[k] = localV
				}
				applied = append(applied, k+":both")
				continue
			}
			unresolved = append(unresolved, FieldConflict{
				Field: k, Kind: classify(localV, remoteV), Local: localV, Remote: remoteV,
			})
		}
	}

	// Metadata rides along from whichever side is causally later
	metaSource := local
	if Compare(localVec, remoteVec) == Less {
		metaSource = remote
	}
	for k := range metadataFields {
		if k == "versionVector" {
			continue
		}
		if v, ok := metaSource[k]; ok {
			merged[k] = v
		}
	}

	sort.Strings(applied)
	sort.Slice(unresolved, func(i, j int) bool { return unresolved[i].Field < unresolved[j].Field })

	return MergeResult{
		Success:             len(unresolved) == 0,
		Merged:              merged,
		UnresolvedConflicts: unresolved,
		AppliedChanges:      applied,
		VersionVector:       MergeVectors(localVec, remoteVec, deviceID),
	}
}
