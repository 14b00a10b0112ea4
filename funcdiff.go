package livepatch

import (
	"errors"
	"fmt"
	"reflect"
)

// signatureDiff compares two function types. It returns nil when they are
// interchangeable, otherwise one error per differing position.
func signatureDiff(a, b reflect.Type) error {
	var errs []error
	for i := range max(a.NumIn(), b.NumIn()) {
		x, y := typeAt(a.In, a.NumIn(), i), typeAt(b.In, b.NumIn(), i)
		if x != y {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, x, y))
		}
	}
	for i := range max(a.NumOut(), b.NumOut()) {
		x, y := typeAt(a.Out, a.NumOut(), i), typeAt(b.Out, b.NumOut(), i)
		if x != y {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, x, y))
		}
	}
	if a.IsVariadic() != b.IsVariadic() {
		errs = append(errs, fmt.Errorf("variadic: %v != %v", a.IsVariadic(), b.IsVariadic()))
	}
	return errors.Join(errs...)
}

// typeAt returns get(i), or nil past the end.
func typeAt(get func(int) reflect.Type, n, i int) reflect.Type {
	if i >= n {
		return nil
	}
	return get(i)
}
