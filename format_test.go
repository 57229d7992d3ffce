package main

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * sizeMB, "5.0 MB"},
		{3 * sizeGB, "3.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes), "bytes=%d", tt.bytes)
	}
}

func TestFormatUnixTime_Never(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "never", formatUnixTime(0))
}

func TestFormatUnixTime_CurrentYearOmitsYear(t *testing.T) {
	t.Parallel()

	now := time.Now()
	got := formatUnixTime(now.Unix())

	assert.NotContains(t, got, fmt.Sprintf("%d", now.Year()))
}

func TestFormatUnixTime_PastYearShowsYear(t *testing.T) {
	t.Parallel()

	old := time.Date(2019, time.March, 5, 10, 0, 0, 0, time.Local)
	assert.Contains(t, formatUnixTime(old.Unix()), "2019")
}

func TestPrintJSON_Indents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, []byte(`{"a":1,"b":{"c":2}}`)))

	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": {\n    \"c\": 2\n  }\n}\n", buf.String())
}

func TestPrintJSON_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := printJSON(&buf, []byte("not json"))
	assert.Error(t, err)
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	printTable(&buf, []string{"NAME", "STATE"}, [][]string{
		{"door-7", "synced"},
		{"thermostat-basement", "cloud deleted"},
	})

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 3)

	// The second column starts at the same offset on every line.
	assert.Equal(t, bytes.Index(lines[0], []byte("STATE")), bytes.Index(lines[1], []byte("synced")))
	assert.Equal(t, bytes.Index(lines[0], []byte("STATE")), bytes.Index(lines[2], []byte("cloud deleted")))
}
