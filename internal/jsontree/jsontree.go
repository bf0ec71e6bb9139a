// Package jsontree gives the template store and the reconciler a generic
// object/array/primitive tree to patch deeply-nested fields on, since the
// scale-set/VM/NIC templates are user-authored ARM JSON documents whose
// shape this module does not fully model. Go's typed decode/encode round
// trip loses unknown fields; a generic tree preserves everything the user
// put in the template while still letting us reach in and set
// imageReference.id or osProfile.customData by path.
package jsontree

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Tree is a JSON value decoded with UseNumber-style primitives preserved:
// map[string]any for objects, []any for arrays, and string/json.Number/
// bool/nil for scalars.
type Tree = any

// Parse decodes raw JSON into a generic Tree.
func Parse(raw []byte) (Tree, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var t Tree
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("jsontree: decode: %w", err)
	}
	return t, nil
}

// Marshal encodes a Tree back to JSON.
func Marshal(t Tree) ([]byte, error) {
	return json.Marshal(t)
}

// Clone deep-copies a Tree by round-tripping it through JSON. Callers that
// need to mutate a shared template without affecting the original (spec.md
// §4.6 step 2: "deep-copy the template") use this.
func Clone(t Tree) (Tree, error) {
	raw, err := Marshal(t)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// splitPath turns "a.b.c" into ["a","b","c"]. Array indices are written as
// plain integers, e.g. "a.b.0.c".
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get walks a dotted path through the tree, returning the value found and
// whether the full path resolved.
func Get(t Tree, path string) (Tree, bool) {
	cur := t
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set walks a dotted path, creating intermediate objects as needed, and
// assigns value at the final segment. An intermediate or final segment
// that names an existing array index (as in Get) descends/assigns into
// that array element in place rather than an object field; array
// elements themselves are never created, only objects are.
func Set(t Tree, path string, value Tree) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("jsontree: empty path")
	}

	cur := t
	for _, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				child := map[string]any{}
				node[seg] = child
				cur = child
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("jsontree: array index %q out of range", seg)
			}
			cur = node[idx]
		default:
			return fmt.Errorf("jsontree: path segment %q is not an object or array", seg)
		}
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("jsontree: array index %q out of range", last)
		}
		node[idx] = value
	default:
		return fmt.Errorf("jsontree: Set requires an object or array at %q, got %T", path, cur)
	}
	return nil
}

// Append pushes a value onto an array found at path, creating it as an
// empty array first if absent.
func Append(t Tree, path string, value Tree) error {
	existing, ok := Get(t, path)
	if !ok || existing == nil {
		return Set(t, path, []any{value})
	}
	arr, ok := existing.([]any)
	if !ok {
		return fmt.Errorf("jsontree: path %q is not an array", path)
	}
	return Set(t, path, append(arr, value))
}

// GetString is a convenience accessor for the common case of reading a
// string leaf.
func GetString(t Tree, path string) (string, bool) {
	v, ok := Get(t, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
