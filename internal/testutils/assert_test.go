package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures assertion failures instead of failing the test.
type recordingT struct {
	testing.TB
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...any) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		wantFail bool
	}{
		{name: "extra keys ignored", actual: `{"a":1,"b":2}`, expected: `{"a":1}`},
		{name: "extra keys strict", actual: `{"a":1,"b":2}`, expected: `{"a":1}`, opts: []Option{WithIgnoreExtraKeys(false)}, wantFail: true},
		{name: "nested extra keys", actual: `{"d":{"x":1,"y":2}}`, expected: `{"d":{"x":1}}`},
		{name: "value mismatch", actual: `{"a":1}`, expected: `{"a":2}`, wantFail: true},
		{name: "missing key", actual: `{}`, expected: `{"a":1}`, wantFail: true},
		{name: "presence", actual: `{"at":"2024-05-01T00:00:00Z"}`, expected: `{"at":"<<PRESENCE>>"}`},
		{name: "presence requires key", actual: `{}`, expected: `{"at":"<<PRESENCE>>"}`, wantFail: true},
		{name: "presence disabled", actual: `{"at":"x"}`, expected: `{"at":"<<PRESENCE>>"}`, opts: []Option{WithAllowPresencePlaceholder(false)}, wantFail: true},
		{name: "ignored fields", actual: `{"a":1,"updated_at":"x"}`, expected: `{"a":1,"updated_at":"y"}`, opts: []Option{WithIgnoredFields("updated_at"), WithIgnoreExtraKeys(false)}},
		{name: "root arrays", actual: `[{"a":1,"b":2},{"a":3}]`, expected: `[{"a":1},{"a":3}]`},
		{name: "root array order", actual: `[{"a":3},{"a":1}]`, expected: `[{"a":1},{"a":3}]`, wantFail: true},
		{name: "invalid actual", actual: `{`, expected: `{}`, wantFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{TB: t}
			NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.wantFail {
				assert.NotEmpty(t, rec.failures, "mismatch MUST be reported")
			} else {
				assert.Empty(t, rec.failures, "documents MUST match")
			}
		})
	}
}

func TestTextAsserter(t *testing.T) {
	rec := &recordingT{TB: t}
	NewTextAsserter(rec).Assert("\x1b[1mNAME\x1b[0m  RSSI\n", "NAME  RSSI\n")
	assert.Empty(t, rec.failures, "escape sequences MUST be stripped by default")

	rec = &recordingT{TB: t}
	NewTextAsserter(rec).WithOptions(WithStripANSI(false)).Assert("\x1b[1mNAME\x1b[0m\n", "NAME\n")
	assert.Len(t, rec.failures, 1)

	rec = &recordingT{TB: t}
	NewTextAsserter(rec).WithOptions(WithIgnoreTrailingWhitespace(true)).Assert("a  \nb\t\n", "a\nb\n")
	assert.Empty(t, rec.failures)

	rec = &recordingT{TB: t}
	NewTextAsserter(rec).Assert("one\ntwo\n", "one\nthree\n")
	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "--- expected")
		assert.Contains(t, rec.failures[0], "-three")
		assert.Contains(t, rec.failures[0], "+two")
	}

	rec = &recordingT{TB: t}
	NewTextAsserter(rec).WithOptions(WithEnableColors(true)).Assert("a b\n", "a  b\n")
	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "+a·b", "changed lines MUST show whitespace")
		assert.Contains(t, rec.failures[0], "\x1b[", "diff MUST be colored")
	}
}
