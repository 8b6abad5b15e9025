package livepatch

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pboyd/livepatch/arch"
)

func TestDiffSignatures(t *testing.T) {
	cases := map[string]struct {
		a, b any
		want string
	}{
		"same":            {a: func(int) string { return "" }, b: func(int) string { return "" }},
		"extra input":     {a: func(x int) int { return x }, b: func(x, y int) int { return x + y }, want: "argument 1: <nil> != int"},
		"missing output":  {a: func() (int, error) { return 0, nil }, b: func() int { return 0 }, want: "output 1: error != <nil>"},
		"different input": {a: func(int) {}, b: func(string) {}, want: "argument 0: int != string"},
		"variadic":        {a: func(...int) {}, b: func([]int) {}, want: "variadic: true != false"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := diffSignatures(reflect.TypeOf(tc.a), reflect.TypeOf(tc.b))
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestApplyFunc_Errors(t *testing.T) {
	f := newFixture(t, arch.ARM64{}, 0x1000, a64Prologue)
	fn := func(x int) int { return x }

	t.Run("not a function", func(t *testing.T) {
		_, err := f.m.ApplyFunc("not a function", fn)
		assert.ErrorContains(t, err, "not a function")

		_, err = f.m.ApplyFunc(fn, 42)
		assert.ErrorContains(t, err, "not a function")

		_, err = f.m.ApplyFunc(nil, fn)
		assert.Error(t, err)
	})

	t.Run("signature mismatch", func(t *testing.T) {
		_, err := f.m.ApplyFunc(fn, func(x string) int { return len(x) })
		assert.ErrorContains(t, err, "signatures do not match")
	})

	t.Run("not in text", func(t *testing.T) {
		// The simulated text doesn't hold Go functions.
		_, err := f.m.ApplyFunc(fn, func(x int) int { return x + 1 })
		assert.ErrorIs(t, err, ErrReadFault)
	})
}
