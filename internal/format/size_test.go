package format

import "testing"

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1048576", 1 << 20},
		{"5MB", 5 << 20},
		{"5mb", 5 << 20},
		{"512 KB", 512 << 10},
		{"1.5GB", 3 << 29},
		{"64B", 64},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}

	for _, bad := range []string{"", "MB", "lots", "-1KB"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) should fail", bad)
		}
	}
}

func TestSizeReadsBack(t *testing.T) {
	// The scanner logs its read limit with Size; config accepts the same text.
	for _, n := range []int64{640, 8 * KiB, 5 * MiB, 2 * GiB} {
		got, err := ParseSize(Size(n))
		if err != nil {
			t.Fatalf("ParseSize(Size(%d)): %v", n, err)
		}
		if got != n {
			t.Errorf("Size(%d) = %q reads back as %d", n, Size(n), got)
		}
	}
	if s := Size(1023); s != "1023 B" {
		t.Errorf("Size(1023) = %q", s)
	}
}
