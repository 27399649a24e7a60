package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogFiltersBelowLevel(t *testing.T) {
	l := New(Warn)
	l.SetStderr(false)

	var got []string
	l.SetCallback(func(level Level, msg string) {
		got = append(got, level.String()+":"+msg)
	})

	l.Info("should not appear")
	l.Warn("should appear %d", 1)
	l.Log(Error, "also appears")

	assert.Equal(t, []string{"warn:should appear 1", "error:also appears"}, got)
}

func TestFailInvokesExit(t *testing.T) {
	l := New(Debug)
	l.SetStderr(false)

	var code int
	l.exit = func(c int) { code = c }

	l.Fail("boom %s", "now")
	assert.Equal(t, 1, code)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantOk  bool
	}{
		{"debug", Debug, true},
		{"warn", Warn, true},
		{"fatal", Fatal, true},
		{"bogus", Warn, false},
	}
	for _, tt := range tests {
		lvl, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, lvl)
		assert.Equal(t, tt.wantOk, ok)
	}
}
