package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePercent(t *testing.T) {
	cases := []struct {
		progress string
		want     int
	}{
		{"rootfs: 45% (12.5MB/s)", 45},
		{"rootfs: 100% (1.2MB/s)", 100},
		{"metadata: 5%", 5},
		{"45%", -1}, // no preceding whitespace
		{"no progress here", -1},
		{"", -1},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, parsePercent(tc.progress), "progress %q", tc.progress)
	}
}
