package jsontree

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestParseMarshalRoundTrip(t *testing.T) {
	raw := []byte(`{"a":{"b":[1,2,{"c":"x"}]},"d":null}`)
	tree, err := Parse(raw)
	must.NoError(t, err)

	out, err := Marshal(tree)
	must.NoError(t, err)

	reparsed, err := Parse(out)
	must.NoError(t, err)
	must.Eq(t, tree, reparsed)
}

func TestGet(t *testing.T) {
	tree, err := Parse([]byte(`{"a":{"b":[{"c":"x"}]}}`))
	must.NoError(t, err)

	v, ok := GetString(tree, "a.b.0.c")
	must.True(t, ok)
	must.Eq(t, "x", v)

	_, ok = Get(tree, "a.b.1.c")
	must.False(t, ok)

	_, ok = Get(tree, "a.missing")
	must.False(t, ok)
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	tree, err := Parse([]byte(`{}`))
	must.NoError(t, err)

	must.NoError(t, Set(tree, "properties.osProfile.customData", "ZGF0YQ=="))

	v, ok := GetString(tree, "properties.osProfile.customData")
	must.True(t, ok)
	must.Eq(t, "ZGF0YQ==", v)
}

func TestSetRejectsNonIndexSegmentOnArray(t *testing.T) {
	err := Set([]any{1, 2}, "a", "b")
	must.Error(t, err)
}

func TestSetThroughArrayIndexSegment(t *testing.T) {
	tree, err := Parse([]byte(`{"properties":{"networkProfile":{"networkInterfaces":[{"id":"placeholder"}]}}}`))
	must.NoError(t, err)

	must.NoError(t, Set(tree, "properties.networkProfile.networkInterfaces.0.id", "/subscriptions/x/nic1"))

	v, ok := GetString(tree, "properties.networkProfile.networkInterfaces.0.id")
	must.True(t, ok)
	must.Eq(t, "/subscriptions/x/nic1", v)
}

func TestSetThroughArrayIndexSegment_OutOfRange(t *testing.T) {
	tree, err := Parse([]byte(`{"a":[1]}`))
	must.NoError(t, err)

	err = Set(tree, "a.5", "x")
	must.Error(t, err)
}

func TestAppendCreatesArrayWhenAbsent(t *testing.T) {
	tree, err := Parse([]byte(`{"properties":{}}`))
	must.NoError(t, err)

	must.NoError(t, Append(tree, "properties.keys", "key1"))
	must.NoError(t, Append(tree, "properties.keys", "key2"))

	v, ok := Get(tree, "properties.keys")
	must.True(t, ok)
	must.Eq(t, []any{"key1", "key2"}, v)
}

func TestAppendRejectsNonArray(t *testing.T) {
	tree, err := Parse([]byte(`{"properties":"not-an-array"}`))
	must.NoError(t, err)

	err = Append(tree, "properties", "x")
	must.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	tree, err := Parse([]byte(`{"a":{"b":1}}`))
	must.NoError(t, err)

	clone, err := Clone(tree)
	must.NoError(t, err)

	must.NoError(t, Set(clone, "a.b", 2))

	orig, _ := Get(tree, "a.b")
	cloned, _ := Get(clone, "a.b")
	must.NotEq(t, orig, cloned)
}
