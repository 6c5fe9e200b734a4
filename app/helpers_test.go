package app

import "testing"

func TestParseLimit(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"1", 1, false},
		{" 50 ", 50, false},
		{"0", 0, true},
		{"51", 0, true},
		{"100", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tc := range cases {
		got, err := parseLimit(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseLimit(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseLimit(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestValidDay(t *testing.T) {
	if !validDay("2026-03-01") {
		t.Fatalf("expected valid day")
	}
	for _, bad := range []string{"2026-3-1", "2026-02-30", "01.03.2026", ""} {
		if validDay(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}
