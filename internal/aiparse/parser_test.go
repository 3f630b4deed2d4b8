package aiparse

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWellFormed(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantText string
		wantMode Mode
	}{
		{"chat", `{"text":"hi"}`, "hi", ModeChat},
		{"escaped", `{"text":"line1\nline2 \"q\""}`, "line1\nline2 \"q\"", ModeChat},
		{"code", `{"text":"ok","fileTree":{"a.js":{"file":{"contents":"1"}}}}`, "ok", ModeCode},
		{"empty tree is chat", `{"text":"ok","fileTree":{}}`, "ok", ModeChat},
		{"null tree is chat", `{"text":"ok","fileTree":null}`, "ok", ModeChat},
		{"whitespace", "  {\"text\": \"hi\"}\n", "hi", ModeChat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, p.Text)
			assert.Equal(t, tt.wantMode, p.Mode())
			assert.Equal(t, StepDecode, p.Step)
		})
	}
}

func TestParseObjectWithoutText(t *testing.T) {
	raw := `{"answer":"42"}`
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, p.Text)
	assert.Equal(t, ModeChat, p.Mode())

	// non-string text is treated the same way
	p, err = Parse(`{"text":5}`)
	require.NoError(t, err)
	assert.Equal(t, `{"text":5}`, p.Text)
}

func TestParseNonObjectJSON(t *testing.T) {
	p, err := Parse(`[1,2,3]`)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, p.Text)
}

func TestParseDoubleEncoded(t *testing.T) {
	inner := `{"text":"ok","fileTree":{"a.js":{"file":{"contents":"1"}}}}`
	outer, err := json.Marshal(inner)
	require.NoError(t, err)

	direct, err := Parse(inner)
	require.NoError(t, err)

	unwrapped, err := Parse(string(outer))
	require.NoError(t, err)

	assert.Equal(t, StepUnwrap, unwrapped.Step)
	assert.Equal(t, direct.Text, unwrapped.Text)
	assert.True(t, direct.FileTree.Equal(unwrapped.FileTree))
	assert.Equal(t, ModeCode, unwrapped.Mode())
}

func TestParseTripleEncodedIsNotUnwrappedTwice(t *testing.T) {
	once, _ := json.Marshal(`{"answer":1}`)
	twice, _ := json.Marshal(string(once))

	_, err := Parse(string(twice))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "more than one level")
}

func TestParsePatternFallback(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"unquoted key", `{"text": "hello\nworld", fileTree: {oops}}`, "hello\nworld"},
		{"escaped quotes", `prefix "text":"say \"hi\"" trailing garbage {`, `say "hi"`},
		{"invalid escape keeps manual unescape", `{"text": "a\qb\nc", broken`, "a\\qb\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, StepPattern, p.Step)
			assert.Equal(t, tt.want, p.Text)
			assert.Equal(t, ModeChat, p.Mode())
		})
	}
}

func TestParseFailure(t *testing.T) {
	for _, raw := range []string{"", "plain words", `{"txt": broken`, `"unterminated`} {
		_, err := Parse(raw)
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Errorf("Parse(%q) error = %v, want *ParseError", raw, err)
			continue
		}
		if perr.Raw != raw {
			t.Errorf("ParseError.Raw = %q, want %q", perr.Raw, raw)
		}
	}
}

func TestParseBadFileTreeFallsBackToChat(t *testing.T) {
	p, err := Parse(`{"text":"ok","fileTree":{"a.js":{"weird":1}}}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", p.Text)
	assert.Equal(t, ModeChat, p.Mode())
	assert.Error(t, p.TreeErr)
}

func TestParseBody(t *testing.T) {
	t.Run("structured object", func(t *testing.T) {
		p, err := ParseBody(json.RawMessage(`{"text":"hi","fileTree":{"b.js":{"file":{"contents":"2"}}}}`))
		require.NoError(t, err)
		assert.Equal(t, "hi", p.Text)
		assert.Equal(t, ModeCode, p.Mode())
	})

	t.Run("string carrying json", func(t *testing.T) {
		body, _ := json.Marshal(`{"text":"hi"}`)
		p, err := ParseBody(body)
		require.NoError(t, err)
		assert.Equal(t, "hi", p.Text)
		assert.Equal(t, StepDecode, p.Step)
	})

	t.Run("string carrying double encoded json", func(t *testing.T) {
		inner, _ := json.Marshal(`{"text":"hi"}`)
		body, _ := json.Marshal(string(inner))
		p, err := ParseBody(body)
		require.NoError(t, err)
		assert.Equal(t, "hi", p.Text)
		assert.Equal(t, StepUnwrap, p.Step)
	})

	t.Run("plain string fails", func(t *testing.T) {
		body, _ := json.Marshal("just words")
		_, err := ParseBody(body)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "just words", perr.Raw)
	})
}

func TestDegrade(t *testing.T) {
	long := strings.Repeat("é", 500)
	perr := &ParseError{Reason: "nope", Raw: long}

	excerpt := perr.Excerpt()
	assert.Equal(t, 201, utf8.RuneCountInString(excerpt))
	assert.True(t, strings.HasSuffix(excerpt, "…"))

	short := &ParseError{Reason: "nope", Raw: "abc"}
	assert.Equal(t, "abc", short.Excerpt())

	msg := Degrade(perr)
	assert.Contains(t, msg, "nope")
	assert.Contains(t, msg, excerpt)
}
