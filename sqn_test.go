package pgm

import "testing"

func TestSqnOrdering(t *testing.T) {
	cases := []struct {
		a, b       Sqn
		after      bool
		before     bool
	}{
		{10, 5, true, false},
		{5, 10, false, true},
		{5, 5, false, false},
	}
	for _, c := range cases {
		if got := c.a.After(c.b); got != c.after {
			t.Errorf("(%d).After(%d) = %v, want %v", c.a, c.b, got, c.after)
		}
		if got := c.a.Before(c.b); got != c.before {
			t.Errorf("(%d).Before(%d) = %v, want %v", c.a, c.b, got, c.before)
		}
	}
}

func TestSqnWrapAround(t *testing.T) {
	var max Sqn = 0xFFFFFFFF
	if !Sqn(0).After(max) {
		t.Fatal("0 should be After the wrapped max value")
	}
	if !max.Before(Sqn(0)) {
		t.Fatal("max should be Before the wrapped-to value 0")
	}
}

func TestSqnDistance(t *testing.T) {
	if d := Sqn(100).Distance(Sqn(110)); d != 10 {
		t.Fatalf("Distance = %d, want 10", d)
	}
}
