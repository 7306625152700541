package core

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ValuesEqual reports whether two runtime attribute values are the same,
// used by write enforcement to decide whether a blocked attribute actually
// changed. Unlike condition comparison there is no declared type to coerce
// toward, so both sides are compared structurally: references by entity and
// identifier, money by amount, times by instant, numbers across numeric
// kinds, everything else by deep equality.
func ValuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if ra, ok := asReference(a); ok {
		rb, ok := asReference(b)
		if !ok {
			return false
		}
		return strings.EqualFold(ra.Entity, rb.Entity) && strings.EqualFold(ra.ID, rb.ID)
	}

	switch av := a.(type) {
	case Money, *Money:
		amountA, _ := asMoneyAmount(a)
		amountB, ok := asMoneyAmount(b)
		return ok && amountA == amountB
	case time.Time:
		bt, ok := asTime(b)
		return ok && av.Equal(bt)
	}

	if ga, ok := asGUID(a); ok {
		if gb, ok := asGUID(b); ok {
			return ga == gb
		}
	}

	if fa, ok := numericValue(a); ok {
		if fb, ok := numericValue(b); ok {
			return fa == fb
		}
		return false
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}

	return reflect.DeepEqual(a, b)
}

// numericValue coerces ints and floats only; strings stay strings here so
// "1" and 1 do not collapse during change detection.
func numericValue(value any) (float64, bool) {
	switch value.(type) {
	case string, fmt.Stringer:
		return 0, false
	}
	return asFloat64(value)
}
