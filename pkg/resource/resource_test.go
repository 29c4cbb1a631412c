package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMeminfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       16331712 kB\nMemFree:         1024000 kB\nMemAvailable:    8388608 kB\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	mb, err := readMeminfo(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, mb)
}

func TestReadMeminfoMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemTotal: 1 kB\n"), 0o644))

	_, err := readMeminfo(path)
	assert.Error(t, err)
}

func TestParseVMStatCount(t *testing.T) {
	assert.Equal(t, int64(274715), parseVMStatCount("Pages free:                              274715."))
	assert.Equal(t, int64(0), parseVMStatCount("garbage"))
}

func TestParseParenInt(t *testing.T) {
	line := "Mach Virtual Memory Statistics: (page size of 16384 bytes)"
	assert.Equal(t, 16384, parseParenInt(line, "page size of "))
	assert.Equal(t, 0, parseParenInt("no marker here", "page size of "))
}
