package session

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestReconnector(t *testing.T) {
	t.Run("fixed delay up to the budget", func(t *testing.T) {
		r := NewReconnector(5, 3*time.Second)

		for i := 1; i <= 5; i++ {
			d, ok := r.Next()
			if !ok {
				t.Fatalf("attempt %d refused", i)
			}
			if d != 3*time.Second {
				t.Errorf("attempt %d: expected 3s delay, got %v", i, d)
			}
			if r.Attempts() != i {
				t.Errorf("expected %d attempts, got %d", i, r.Attempts())
			}
		}

		if _, ok := r.Next(); ok {
			t.Error("expected budget to be exhausted")
		}
		if !r.Exhausted() {
			t.Error("expected Exhausted")
		}
		if r.Attempts() != 5 {
			t.Errorf("attempts must not exceed max, got %d", r.Attempts())
		}
	})

	t.Run("reset starts a new episode", func(t *testing.T) {
		r := NewReconnector(2, time.Millisecond)
		r.Next()
		r.Next()
		r.Reset()

		if r.Attempts() != 0 {
			t.Errorf("expected 0 attempts after reset, got %d", r.Attempts())
		}
		if _, ok := r.Next(); !ok {
			t.Error("expected attempt after reset")
		}
	})

	t.Run("zero budget never retries", func(t *testing.T) {
		r := NewReconnector(0, time.Second)
		if _, ok := r.Next(); ok {
			t.Error("zero budget must refuse")
		}
		r = NewReconnector(-3, time.Second)
		if _, ok := r.Next(); ok {
			t.Error("negative budget must refuse")
		}
		if r.Max() != 0 {
			t.Errorf("expected max 0, got %d", r.Max())
		}
	})
}

func TestReconnectorBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("attempts never exceed max", prop.ForAll(
		func(max int, calls int, resets []bool) bool {
			r := NewReconnector(max, time.Millisecond)
			for i := 0; i < calls; i++ {
				r.Next()
				if r.Attempts() > max {
					return false
				}
				if i < len(resets) && resets[i] {
					r.Reset()
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 50),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
