// Package imageresolver implements spec.md §4.3: resolving the image
// reference to inject into a scale-set or VM template, either from
// explicit user input or from the instance metadata service running on
// the master itself.
package imageresolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/azmanagers/internal/jsontree"
	"github.com/hashicorp/azmanagers/internal/metadata"
)

// Inputs carries the three optional overrides spec.md §4.3 enumerates.
type Inputs struct {
	SIGImageName    string
	SIGImageVersion string
	ImageName       string
}

func (in Inputs) empty() bool {
	return in.SIGImageName == "" && in.SIGImageVersion == "" && in.ImageName == ""
}

// scaleSetImageRefPath and vmImageRefPath are the two template shapes
// spec.md §4.3 step 3 calls out.
const (
	scaleSetImageRefPath = "properties.virtualMachineProfile.storageProfile.imageReference.id"
	vmImageRefPath       = "properties.storageProfile.imageReference.id"
)

// Resolve patches template in place (it must be a jsontree object root),
// choosing the scale-set or VM shape based on isScaleSet, after resolving
// Inputs against the instance metadata service when all three fields are
// empty.
func Resolve(ctx context.Context, md *metadata.Client, template jsontree.Tree, in Inputs, isScaleSet bool) error {
	if in.empty() {
		ref, err := md.ImageReference(ctx)
		if err != nil {
			return fmt.Errorf("imageresolver: querying instance metadata: %w", err)
		}
		in = fromMetadata(ref)
	}

	path := vmImageRefPath
	if isScaleSet {
		path = scaleSetImageRefPath
	}

	current, ok := jsontree.GetString(template, path)
	if !ok {
		return fmt.Errorf("imageresolver: template missing %s", path)
	}

	newID, err := patchImageID(current, in)
	if err != nil {
		return err
	}

	return jsontree.Set(template, path, newID)
}

// fromMetadata implements spec.md §4.3 step 1: "if it returns a 'galleries'
// path, parse out sigImageName and optionally sigImageVersion; otherwise
// parse imageName".
func fromMetadata(ref *metadata.ImageReference) Inputs {
	if strings.Contains(ref.ID, "/galleries/") {
		segs := strings.Split(strings.TrimSuffix(ref.ID, "/"), "/")
		in := Inputs{}
		// .../galleries/<gallery>/images/<sigImageName>[/versions/<sigImageVersion>]
		for i, s := range segs {
			if s == "images" && i+1 < len(segs) {
				in.SIGImageName = segs[i+1]
			}
			if s == "versions" && i+1 < len(segs) {
				in.SIGImageVersion = segs[i+1]
			}
		}
		return in
	}

	segs := strings.Split(strings.TrimSuffix(ref.ID, "/"), "/")
	if len(segs) > 0 {
		return Inputs{ImageName: segs[len(segs)-1]}
	}
	return Inputs{}
}

// patchImageID implements spec.md §4.3 step 2's precedence rules on the
// existing imageReference.id path.
func patchImageID(current string, in Inputs) (string, error) {
	segs := strings.Split(strings.TrimSuffix(current, "/"), "/")

	switch {
	case in.ImageName != "":
		// Drop the last four path segments and append /images/<imageName>.
		if len(segs) < 4 {
			return "", fmt.Errorf("imageresolver: imageReference.id %q too short to patch with imageName", current)
		}
		base := strings.Join(segs[:len(segs)-4], "/")
		return base + "/images/" + in.ImageName, nil

	case in.SIGImageName != "":
		// Drop the last segment and append /<sigImageName>, then
		// optionally /versions/<sigImageVersion>.
		if len(segs) < 1 {
			return "", fmt.Errorf("imageresolver: imageReference.id %q too short to patch with sigImageName", current)
		}
		base := strings.Join(segs[:len(segs)-1], "/")
		result := base + "/" + in.SIGImageName
		if in.SIGImageVersion != "" {
			result += "/versions/" + in.SIGImageVersion
		}
		return result, nil

	default:
		return current, nil
	}
}
