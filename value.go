/*
Copyright © 2026 the dasymap authors.
This file is part of dasymap.

dasymap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

dasymap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with dasymap.  If not, see <http://www.gnu.org/licenses/>.
*/

package dasymap

import (
	"fmt"
	"math"
)

// Value is a number that may be undefined, for example the normalized
// weight of a class in a region whose class weights sum to zero.
// The zero Value is undefined.
type Value struct {
	Float   float64
	Defined bool
}

// Def returns a defined Value holding f. Non-finite numbers are undefined.
func Def(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{Float: f, Defined: true}
}

// Mul returns v*o, which is undefined if either operand is.
func (v Value) Mul(o Value) Value {
	if !v.Defined || !o.Defined {
		return Value{}
	}
	return Def(v.Float * o.Float)
}

// Div returns v/o. The result is undefined if either operand is
// undefined or o is zero.
func (v Value) Div(o Value) Value {
	if !v.Defined || !o.Defined || o.Float == 0 {
		return Value{}
	}
	return Def(v.Float / o.Float)
}

func (v Value) String() string {
	if !v.Defined {
		return "undefined"
	}
	return fmt.Sprint(v.Float)
}
