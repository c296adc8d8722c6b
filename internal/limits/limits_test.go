package limits

import "testing"

func TestParseRlimitValue(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"inf", Infinity, false},
		{"INF", Infinity, false},
		{"Infinity", Infinity, false},
		{"-1", 0, true},
		{"banana", 0, true},
	}

	for _, c := range cases {
		got, err := ParseRlimitValue(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseRlimitValue(%q): expected error", c.in)
			}

			continue
		}

		if err != nil {
			t.Errorf("ParseRlimitValue(%q): unexpected error %v", c.in, err)
		}

		if got != c.want {
			t.Errorf("ParseRlimitValue(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestWlimitsTighten(t *testing.T) {
	w := Wlimits{TimeElapsed: 100, TimeIdle: 0, BytesWritten: 50}

	w.Tighten(Wlimits{TimeElapsed: 200, TimeIdle: 10, BytesWritten: 10})

	if w.TimeElapsed != 100 {
		t.Errorf("TimeElapsed should not loosen, got %d", w.TimeElapsed)
	}

	if w.TimeIdle != 10 {
		t.Errorf("TimeIdle should be set from zero, got %d", w.TimeIdle)
	}

	if w.BytesWritten != 10 {
		t.Errorf("BytesWritten should tighten, got %d", w.BytesWritten)
	}
}
