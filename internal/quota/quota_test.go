package quota

import (
	"encoding/json"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/azmanagers/internal/jsontree"
)

func mustParse(t *testing.T, raw string) jsontree.Tree {
	t.Helper()
	tree, err := jsontree.Parse([]byte(raw))
	must.NoError(t, err)
	return tree
}

func TestFindSKU(t *testing.T) {
	skus := mustParse(t, `{
		"value": [
			{"name": "Standard_D2s_v3", "family": "standardDSv3Family", "capabilities": [
				{"name": "vCPUs", "value": "2"},
				{"name": "MemoryGB", "value": "8"}
			]}
		]
	}`)

	family, vcpus, err := findSKU(skus, "Standard_D2s_v3")
	must.NoError(t, err)
	must.Eq(t, "standardDSv3Family", family)
	must.Eq(t, int64(2), vcpus)
}

func TestFindSKU_NotFound(t *testing.T) {
	skus := mustParse(t, `{"value": []}`)
	_, _, err := findSKU(skus, "Standard_Missing")
	must.Error(t, err)
}

func TestFindUsage(t *testing.T) {
	usages := mustParse(t, `{
		"value": [
			{"name": {"value": "standardDSv3Family"}, "currentValue": 10, "limit": 100},
			{"name": {"value": "lowPriorityCores"}, "currentValue": 4, "limit": 50}
		]
	}`)

	limit, current, err := findUsage(usages, "standardDSv3Family")
	must.NoError(t, err)
	must.Eq(t, int64(100), limit)
	must.Eq(t, int64(10), current)

	limit, current, err = findUsage(usages, "lowPriorityCores")
	must.NoError(t, err)
	must.Eq(t, int64(50), limit)
	must.Eq(t, int64(4), current)
}

func TestFindUsage_NotFound(t *testing.T) {
	usages := mustParse(t, `{"value": []}`)
	_, _, err := findUsage(usages, "standardDSv3Family")
	must.Error(t, err)
}

func TestToInt64(t *testing.T) {
	must.Eq(t, int64(42), toInt64(json.Number("42")))
	must.Eq(t, int64(7), toInt64(float64(7)))
	must.Eq(t, int64(0), toInt64("not a number"))
}
