package filetree

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Tree
		wantErr bool
	}{
		{
			name: "wire shape",
			in:   `{"index.js":{"file":{"contents":"console.log(1)"}}}`,
			want: Tree{"index.js": NewEntry("console.log(1)")},
		},
		{
			name: "flat contents",
			in:   `{"a.txt":{"contents":"x"}}`,
			want: Tree{"a.txt": NewEntry("x")},
		},
		{
			name: "nested directory",
			in:   `{"src":{"directory":{"app.js":{"file":{"contents":"1"}},"lib":{"directory":{"u.js":{"file":{"contents":"2"}}}}}}}`,
			want: Tree{"src/app.js": NewEntry("1"), "src/lib/u.js": NewEntry("2")},
		},
		{
			name: "empty file",
			in:   `{"empty":{"file":{"contents":""}}}`,
			want: Tree{"empty": NewEntry("")},
		},
		{
			name:    "unknown node",
			in:      `{"x":{"foo":1}}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			in:      `[1,2]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Tree
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestTreeMarshalWireShape(t *testing.T) {
	data, err := json.Marshal(Tree{"a.js": NewEntry("1")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.js":{"file":{"contents":"1"}}}`, string(data))
}

func TestMergeIsIdempotent(t *testing.T) {
	a := Tree{"a.js": NewEntry("1"), "b.js": NewEntry("2")}
	d := Tree{"b.js": NewEntry("3"), "c.js": NewEntry("4")}

	once := a.Merge(d)
	twice := once.Merge(d)

	assert.True(t, once.Equal(twice))
	assert.Equal(t, "3", once["b.js"].Contents())
	assert.Equal(t, "1", once["a.js"].Contents())
	// inputs untouched
	assert.Equal(t, "2", a["b.js"].Contents())
	assert.Len(t, a, 2)
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "index.js", want: "index.js"},
		{in: " src/app.js ", want: "src/app.js"},
		{in: "src/../app.js", want: "app.js"},
		{in: `src\win.js`, want: "src/win.js"},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "../up.js", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ValidatePath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("ValidatePath(%q) error = %v, want ErrInvalidPath", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ValidatePath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := Tree{"a": NewEntry("1"), "b": NewEntry("2")}
	b := Tree{"b": NewEntry("2"), "a": NewEntry("1")}
	c := Tree{"a": NewEntry("1"), "b": NewEntry("3")}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	// path/content boundary must matter
	assert.NotEqual(t, Tree{"ab": NewEntry("c")}.Fingerprint(), Tree{"a": NewEntry("bc")}.Fingerprint())
}
