package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaAbsentWithoutDesired(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"reported":{"x":1}}}`), 1, testNow)

	_, ok := Delta(doc)
	assert.False(t, ok)
}

func TestDeltaAbsentWhenEqual(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"x":1,"n":{"a":2}},"reported":{"x":1,"n":{"a":2}}}}`), 1, testNow)

	_, ok := Delta(doc)
	assert.False(t, ok)
}

func TestDeltaSimpleDifference(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"x":1},"reported":{"x":0}}}`), 1, testNow)

	delta, ok := Delta(doc)
	require.True(t, ok)
	assert.Equal(t, tree(t, `{"x":1}`), delta.State)
	assert.Equal(t, map[string]any{"timestamp": testNow}, delta.Metadata["x"])
}

func TestDeltaNestedPartial(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"color":{"r":255,"g":0}},"reported":{"color":{"r":255,"g":128},"extra":1}}}`), 1, testNow)

	delta, ok := Delta(doc)
	require.True(t, ok)

	// Only the differing leaf appears; reported-only keys never do.
	assert.Equal(t, tree(t, `{"color":{"g":0}}`), delta.State)

	colorMeta, isMap := delta.Metadata["color"].(map[string]any)
	require.True(t, isMap)
	assert.Contains(t, colorMeta, "g")
	assert.NotContains(t, colorMeta, "r")
}

func TestDeltaDesiredOnlyLeaves(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"mode":"eco","tuning":{"p":1,"i":2}}}}`), 1, testNow)

	delta, ok := Delta(doc)
	require.True(t, ok)
	assert.Equal(t, tree(t, `{"mode":"eco","tuning":{"p":1,"i":2}}`), delta.State)
}

func TestDeltaObjectVersusScalar(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"x":{"a":1}},"reported":{"x":5}}}`), 1, testNow)

	delta, ok := Delta(doc)
	require.True(t, ok)
	assert.Equal(t, tree(t, `{"x":{"a":1}}`), delta.State)
}

func TestDeltaArraysAtomic(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"seq":[1,2,3]},"reported":{"seq":[1,2,4]}}}`), 1, testNow)

	delta, ok := Delta(doc)
	require.True(t, ok)
	assert.Equal(t, tree(t, `{"seq":[1,2,3]}`), delta.State)

	equal, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"seq":[1,2]},"reported":{"seq":[1,2]}}}`), 1, testNow)
	_, ok = Delta(equal)
	assert.False(t, ok)
}

func TestDeltaCarriesNewerTimestamp(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"x":1}}}`), 1, testNow)
	doc, _ = Merge(doc, mustUpdate(t, `{"state":{"reported":{"x":0}}}`), 2, testNow+30)

	delta, ok := Delta(doc)
	require.True(t, ok)

	// Reported was stamped later; the delta leaf carries that stamp.
	stamp, isMap := delta.Metadata["x"].(map[string]any)
	require.True(t, isMap)
	ts, valid := stampTime(stamp)
	require.True(t, valid)
	assert.Equal(t, testNow+30, ts)
}

func TestDeltaClearedByReportedCatchUp(t *testing.T) {
	doc, _ := Merge(nil, mustUpdate(t, `{"state":{"desired":{"x":1},"reported":{"x":0}}}`), 1, testNow)

	_, ok := Delta(doc)
	require.True(t, ok)

	doc, _ = Merge(doc, mustUpdate(t, `{"state":{"reported":{"x":1}}}`), 2, testNow+1)
	_, ok = Delta(doc)
	assert.False(t, ok)
}
