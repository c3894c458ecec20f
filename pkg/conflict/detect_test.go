package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suprimo/suprimo/pkg/types"
)

func TestDetectIdenticalDocuments(t *testing.T) {
	doc := map[string]any{"status": "pending", "quotedPrice": 10.5}
	d := Detect(doc, map[string]any{"status": "pending", "quotedPrice": 10.5},
		types.VersionVector{"a": 1}, types.VersionVector{"b": 7})
	assert.Equal(t, NoConflict, d.Resolution)
	assert.True(t, d.CanAutoResolve)
}

func TestDetectDirectionalResolutions(t *testing.T) {
	local := map[string]any{"status": "awaiting"}
	remote := map[string]any{"status": "pending"}

	d := Detect(local, remote, types.VersionVector{"a": 2}, types.VersionVector{"a": 1})
	assert.Equal(t, PushLocal, d.Resolution)

	d = Detect(local, remote, types.VersionVector{"a": 1}, types.VersionVector{"a": 2})
	assert.Equal(t, AcceptRemote, d.Resolution)
}

func TestDetectConcurrentEditsClassifyFields(t *testing.T) {
	local := map[string]any{
		"supplierNotes": "entrega rápida",
		"replyBody":     "temos estoque",
		"extra":         true,
		"items":         []any{map[string]any{"productId": "p1"}},
		"updatedAt":     "2026-08-20T10:00:00Z", // metadata, excluded
	}
	remote := map[string]any{
		"supplierNotes": "entrega em 5 dias",
		"replyBody":     42.0,
		"other":         "remote-only",
		"items":         []any{map[string]any{"productId": "p2"}},
		"updatedAt":     "2026-08-21T10:00:00Z",
	}

	d := Detect(local, remote, types.VersionVector{"a": 2, "b": 1}, types.VersionVector{"a": 1, "b": 2})
	require.Equal(t, RealConflict, d.Resolution)
	assert.False(t, d.CanAutoResolve) // items is critical

	kinds := map[string]FieldKind{}
	for _, f := range d.Fields {
		kinds[f.Field] = f.Kind
	}
	assert.Equal(t, ValueConflict, kinds["supplierNotes"])
	assert.Equal(t, TypeChange, kinds["replyBody"])
	assert.Equal(t, AddedLocal, kinds["extra"])
	assert.Equal(t, AddedRemote, kinds["other"])
	assert.Equal(t, ArrayConflict, kinds["items"])
	_, hasMeta := kinds["updatedAt"]
	assert.False(t, hasMeta)
}

func TestDetectAutoResolvableConflict(t *testing.T) {
	local := map[string]any{"supplierNotes": "a"}
	remote := map[string]any{"supplierNotes": "b"}

	d := Detect(local, remote, types.VersionVector{"a": 1}, types.VersionVector{"b": 1})
	assert.Equal(t, RealConflict, d.Resolution)
	assert.True(t, d.CanAutoResolve)
}

func TestDetectCriticalFieldsBlockAutoResolve(t *testing.T) {
	for _, field := range []string{"status", "quotedTotal", "items", "orderId", "confirmedAt"} {
		local := map[string]any{field: "x"}
		remote := map[string]any{field: "y"}
		d := Detect(local, remote, types.VersionVector{"a": 1}, types.VersionVector{"b": 1})
		assert.False(t, d.CanAutoResolve, "field %s", field)
	}
}

func TestMergeThreeWay(t *testing.T) {
	base := map[string]any{
		"status":        "pending",
		"supplierNotes": "",
		"paymentTerms":  "30 dias",
		"replyBody":     "original",
	}
	local := map[string]any{
		"status":        "pending",
		"supplierNotes": "local note", // only local changed
		"paymentTerms":  "30 dias",
		"replyBody":     "original",
	}
	remote := map[string]any{
		"status":        "awaiting", // only remote changed
		"supplierNotes": "",
		"paymentTerms":  "30 dias", // neither changed
		"replyBody":     "original",
		"aiConfidence":  0.9, // added remotely
	}

	res := Merge(base, local, remote,
		types.VersionVector{"a": 2, "b": 1}, types.VersionVector{"a": 1, "b": 2}, "a")
	require.True(t, res.Success)
	assert.Empty(t, res.UnresolvedConflicts)
	assert.Equal(t, "local note", res.Merged["supplierNotes"])
	assert.Equal(t, "awaiting", res.Merged["status"])
	assert.Equal(t, "30 dias", res.Merged["paymentTerms"])
	assert.Equal(t, 0.9, res.Merged["aiConfidence"])
	assert.Equal(t, types.VersionVector{"a": 3, "b": 2}, res.VersionVector)
	assert.Contains(t, res.AppliedChanges, "supplierNotes:local")
	assert.Contains(t, res.AppliedChanges, "status:remote")
}

func TestMergeIdenticalEditsAgree(t *testing.T) {
	base := map[string]any{"supplierNotes": "old"}
	local := map[string]any{"supplierNotes": "new"}
	remote := map[string]any{"supplierNotes": "new"}

	res := Merge(base, local, remote, types.VersionVector{"a": 1}, types.VersionVector{"b": 1}, "a")
	require.True(t, res.Success)
	assert.Equal(t, "new", res.Merged["supplierNotes"])
}

func TestMergeDivergentEditsUnresolved(t *testing.T) {
	base := map[string]any{"quotedTotal": 10.0}
	local := map[string]any{"quotedTotal": 12.0}
	remote := map[string]any{"quotedTotal": 11.0}

	res := Merge(base, local, remote, types.VersionVector{"a": 1}, types.VersionVector{"b": 1}, "a")
	assert.False(t, res.Success)
	require.Len(t, res.UnresolvedConflicts, 1)
	assert.Equal(t, "quotedTotal", res.UnresolvedConflicts[0].Field)
	assert.Equal(t, ValueConflict, res.UnresolvedConflicts[0].Kind)
}

func TestMergeDeletionVersusEdit(t *testing.T) {
	base := map[string]any{"supplierNotes": "old"}
	local := map[string]any{} // deleted locally
	remote := map[string]any{"supplierNotes": "edited"}

	res := Merge(base, local, remote, types.VersionVector{"a": 1}, types.VersionVector{"b": 1}, "a")
	assert.False(t, res.Success)
	require.Len(t, res.UnresolvedConflicts, 1)
	assert.Equal(t, "supplierNotes", res.UnresolvedConflicts[0].Field)
}

func TestMergeOnlyDeletion(t *testing.T) {
	base := map[string]any{"supplierNotes": "old", "paymentTerms": "30 dias"}
	local := map[string]any{"paymentTerms": "30 dias"}
	remote := map[string]any{"supplierNotes": "old", "paymentTerms": "30 dias"}

	res := Merge(base, local, remote, types.VersionVector{"a": 2}, types.VersionVector{"a": 1}, "a")
	require.True(t, res.Success)
	_, present := res.Merged["supplierNotes"]
	assert.False(t, present)
}
