// Package volume decodes just enough of a volume file to validate it and report its shape.
package volume

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalid = errors.New("invalid volume")

// Shape is the dimension tuple of a volume, outermost axis first.
type Shape []int

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Voxels returns the number of voxels the shape spans.
func (s Shape) Voxels() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= int64(d)
	}
	return n
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Codec is the contract the artifact store needs from a volume format.
// Implementations read only as much of r as they need.
type Codec interface {
	Validate(r io.Reader) error
	Shape(r io.Reader) (Shape, error)
	// Extension is appended to artifact file names, e.g. ".nii.gz".
	Extension() string
}
