/*
 *	Copyright 2025 The GoMLX Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package xmap

import (
	"fmt"
	"strings"

	"github.com/gomlx/xmap/types/sets"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// AxisDim is one entry of an AxisSpec: a named logical axis and the positional dimension
// it binds to.
type AxisDim struct {
	Name string
	Dim  int
}

// AxisSpec is the ordered mapping from named logical axes to positional dimensions of one
// argument or result. The zero value means no named axes.
//
// It's usually written as a composite literal:
//
//	xmap.AxisSpec{{"a", 0}, {"b", 1}}
type AxisSpec []AxisDim

// Names of the spec's axes, in order.
func (s AxisSpec) Names() []string {
	names := make([]string, len(s))
	for ii, entry := range s {
		names[ii] = entry.Name
	}
	return names
}

// DimOf returns the positional dimension the named axis binds to.
func (s AxisSpec) DimOf(name string) (int, bool) {
	for _, entry := range s {
		if entry.Name == name {
			return entry.Dim, true
		}
	}
	return 0, false
}

// NamedDims returns the spec as a name to dimension map.
func (s AxisSpec) NamedDims() map[string]int {
	if len(s) == 0 {
		return nil
	}
	namedDims := make(map[string]int, len(s))
	for _, entry := range s {
		namedDims[entry.Name] = entry.Dim
	}
	return namedDims
}

// String implements fmt.Stringer, e.g.: "{a:0, b:1}".
func (s AxisSpec) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for ii, entry := range s {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s:%d", entry.Name, entry.Dim)
	}
	sb.WriteString("}")
	return sb.String()
}

// checkSpec validates one AxisSpec against the rank of its argument or result:
// dimensions within rank and no name or dimension used twice.
func checkSpec(spec AxisSpec, rank int, what string) error {
	var err error
	seenNames := sets.Make[string](len(spec))
	seenDims := sets.Make[int](len(spec))
	for _, entry := range spec {
		if entry.Name == "" {
			err = multierr.Append(err, errors.Errorf("%s: empty axis name in spec %s", what, spec))
			continue
		}
		if seenNames.Has(entry.Name) {
			err = multierr.Append(err, errors.Errorf("%s: axis %q appears more than once in spec %s", what, entry.Name, spec))
		}
		seenNames.Insert(entry.Name)
		if entry.Dim < 0 || entry.Dim >= rank {
			err = multierr.Append(err, errors.Wrapf(ErrAxisSpecOutOfRange,
				"%s: axis %q binds to dimension %d, but the value has rank %d", what, entry.Name, entry.Dim, rank))
			continue
		}
		if seenDims.Has(entry.Dim) {
			err = multierr.Append(err, errors.Errorf("%s: dimension %d bound to more than one axis in spec %s", what, entry.Dim, spec))
		}
		seenDims.Insert(entry.Dim)
	}
	return err
}

// resolveAxisSizes validates the input specs against the argument shapes and returns the
// size of every named axis, along with the axis names ordered by first appearance.
//
// Validation failures across arguments are aggregated. A named axis shared by several
// arguments must bind to equal sizes everywhere (ErrAxisSizeMismatch); dimensions must be
// within rank (ErrAxisSpecOutOfRange). Pure: no side effects.
func resolveAxisSizes(specs []AxisSpec, argShapes []shapes.Shape) (axisSizes map[string]int, order []string, err error) {
	axisSizes = make(map[string]int)
	for argIdx, spec := range specs {
		what := fmt.Sprintf("argument #%d", argIdx)
		shape := argShapes[argIdx]
		if specErr := checkSpec(spec, shape.Rank(), what); specErr != nil {
			err = multierr.Append(err, specErr)
			continue
		}
		for _, entry := range spec {
			size := shape.Dimensions[entry.Dim]
			previous, found := axisSizes[entry.Name]
			if !found {
				axisSizes[entry.Name] = size
				order = append(order, entry.Name)
				continue
			}
			if previous != size {
				err = multierr.Append(err, errors.Wrapf(ErrAxisSizeMismatch,
					"%s: axis %q binds to size %d at dimension %d of shape %s, but was previously bound to size %d",
					what, entry.Name, size, entry.Dim, shape, previous))
			}
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return axisSizes, order, nil
}
