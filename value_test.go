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
	"math"
	"testing"
)

func TestValue(t *testing.T) {
	for _, test := range []struct {
		name string
		v    Value
		want Value
	}{
		{name: "def", v: Def(2), want: Value{Float: 2, Defined: true}},
		{name: "NaN", v: Def(math.NaN()), want: Value{}},
		{name: "Inf", v: Def(math.Inf(-1)), want: Value{}},
		{name: "mul", v: Def(2).Mul(Def(3)), want: Def(6)},
		{name: "mul undefined", v: Def(2).Mul(Value{}), want: Value{}},
		{name: "div", v: Def(3).Div(Def(2)), want: Def(1.5)},
		{name: "div zero", v: Def(3).Div(Def(0)), want: Value{}},
		{name: "zero div zero", v: Def(0).Div(Def(0)), want: Value{}},
		{name: "div undefined", v: Value{}.Div(Def(2)), want: Value{}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.v != test.want {
				t.Errorf("%v != %v", test.v, test.want)
			}
		})
	}
	if s := (Value{}).String(); s != "undefined" {
		t.Errorf("string: %s", s)
	}
}
