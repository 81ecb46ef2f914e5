package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2", 4)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword("hunter2", hash))
	assert.False(t, CheckPassword("hunter3", hash))
	assert.False(t, CheckPassword("hunter2", "not-a-hash"))
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain name", input: "scan.pdf", want: "scan.pdf"},
		{name: "absolute path", input: "/inbox/scan.pdf", want: "scan.pdf"},
		{name: "relative path", input: "inbox/scan.pdf", want: "scan.pdf"},
		{name: "traversal", input: "../../etc/passwd", want: "passwd"},
		{name: "windows separators", input: `C:\scans\scan.pdf`, want: "scan.pdf"},
		{name: "trailing slash", input: "inbox/", want: "inbox"},
		{name: "only slashes", input: "///", want: ""},
		{name: "dot", input: ".", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFileName(tt.input))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{500, "500 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.bytes))
	}
}
