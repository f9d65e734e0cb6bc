package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"PT5M", 5 * time.Minute},
		{"PT1H", time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"PT90S", 90 * time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseISODuration(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseISODurationRejects(t *testing.T) {
	for _, expr := range []string{"", "P", "PT", "5M", "PT5X", "five minutes", "PT0S"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseISODuration(expr)
			assert.Error(t, err)
		})
	}
}
