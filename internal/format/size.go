package format

import (
	"fmt"
	"strconv"
	"strings"
)

// Binary size units.
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// sizeUnits is ordered largest first; "B" must stay last so it only matches
// a bare byte suffix.
var sizeUnits = []struct {
	suffix string
	n      int64
}{
	{"GB", GiB},
	{"MB", MiB},
	{"KB", KiB},
	{"B", 1},
}

// ParseSize reads a byte count such as "5MB", "512 KB" or "1048576".
// Units are binary and case-insensitive; fractions are allowed ("1.5GB").
func ParseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			mult = u.n
			break
		}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n * mult, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * float64(mult)), nil
}

// Size renders n with the largest unit it fills ("5.0 MB", "640 B").
func Size(n int64) string {
	for _, u := range sizeUnits[:len(sizeUnits)-1] {
		if n >= u.n {
			return fmt.Sprintf("%.1f %s", float64(n)/float64(u.n), u.suffix)
		}
	}
	return fmt.Sprintf("%d B", n)
}
