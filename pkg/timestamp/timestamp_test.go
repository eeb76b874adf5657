package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse_Formats(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"rfc3339 string", "2023-01-15T12:30:45Z", 1673785845000},
		{"unix seconds int64", int64(1673784645), 1673784645000},
		{"unix milliseconds int64", int64(1673784645123), 1673784645123},
		{"unix seconds string", "1673784645", 1673784645000},
		{"float64 milliseconds", float64(1673784645123), 1673784645123},
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"garbage string", "not-a-time", 0},
		{"unsupported type", []int{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParse_TimeValue(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.UnixMilli(), Parse(now))
	assert.Equal(t, int64(0), Parse(time.Time{}))
}

func TestRoundTrip(t *testing.T) {
	ms := Now()
	assert.Equal(t, ms, ToUnixMs(FromUnixMs(ms)))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2023-01-15T12:30:45Z", Format(1673785845123))
	assert.Equal(t, "", Format(0))
}

func TestZeroValues(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
}
