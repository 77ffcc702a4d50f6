package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "plain file", in: "src/a.go", want: "src/a.go"},
		{name: "dot prefix", in: "./src/a.go", want: "src/a.go"},
		{name: "redundant segments", in: "src/./sub/../a.go", want: "src/a.go"},
		{name: "directory prefix kept", in: "src/", want: "src/"},
		{name: "backslashes", in: "src\\a.go", want: "src/a.go"},
		{name: "root dot", in: ".", want: ""},
		{name: "empty", in: "  ", wantErr: ErrEmptyEntry},
		{name: "parent escape", in: "../etc/passwd", wantErr: ErrEscapesRoot},
		{name: "sneaky escape", in: "src/../../etc", wantErr: ErrEscapesRoot},
		{name: "absolute", in: "/etc/passwd", wantErr: ErrEscapesRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateWriteEntry(t *testing.T) {
	assert.NoError(t, ValidateWriteEntry("src/a.go"))
	assert.NoError(t, ValidateWriteEntry("docs/"))

	assert.ErrorIs(t, ValidateWriteEntry(""), ErrEmptyEntry)
	assert.ErrorIs(t, ValidateWriteEntry("src/*.go"), ErrGlobEntry)
	assert.ErrorIs(t, ValidateWriteEntry("src/**/a.go"), ErrGlobEntry)
	assert.ErrorIs(t, ValidateWriteEntry("src/a?.go"), ErrGlobEntry)
	assert.ErrorIs(t, ValidateWriteEntry("src/[ab].go"), ErrGlobEntry)
	assert.ErrorIs(t, ValidateWriteEntry("../outside"), ErrEscapesRoot)
}

func TestEntriesOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"src/a.go", "src/a.go", true},
		{"src/a.go", "src/b.go", false},
		{"src/", "src/a.go", true},
		{"src/a.go", "src/", true},
		{"src/", "src/sub/", true},
		{"src/sub/", "src/", true},
		{"src/", "docs/", false},
		{"src/", "srcx/a.go", false},
		{"src/a.go", "docs/", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EntriesOverlap(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, tt.want, EntriesOverlap(tt.b, tt.a), "%q vs %q reversed", tt.b, tt.a)
	}
}

func TestEntryCovers(t *testing.T) {
	assert.True(t, EntryCovers("src/a.go", "src/a.go"))
	assert.False(t, EntryCovers("src/a.go", "src/b.go"))
	assert.True(t, EntryCovers("src/", "src/deep/nested.go"))
	assert.False(t, EntryCovers("src/", "docs/readme.md"))
	assert.False(t, EntryCovers("src/", "srcx/file.go"))
}
