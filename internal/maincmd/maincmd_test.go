package maincmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/mna/mainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "main.cst")
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func stdio() (mainer.Stdio, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return mainer.Stdio{Stdout: &out, Stderr: &errOut}, &out, &errOut
}

func TestMainRunsAndPrints(t *testing.T) {
	entry := writeEntry(t, `trap(0, 1 + 2)`)
	c := Cmd{}
	io, out, errOut := stdio()

	code := c.Main([]string{"cassette", entry}, io)
	assert.Equal(t, mainer.Success, code)
	assert.Equal(t, "3\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestMainRuntimeErrorExitsFailure(t *testing.T) {
	entry := writeEntry(t, `1 / 0`)
	c := Cmd{}
	io, _, errOut := stdio()

	code := c.Main([]string{"cassette", entry}, io)
	assert.Equal(t, mainer.Failure, code)
	assert.Contains(t, errOut.String(), "DivByZero")
}

func TestMainRequiresEntry(t *testing.T) {
	c := Cmd{}
	io, _, errOut := stdio()

	code := c.Main([]string{"cassette"}, io)
	assert.Equal(t, mainer.InvalidArgs, code)
	assert.NotEmpty(t, errOut.String())
}

func TestMainVersion(t *testing.T) {
	c := Cmd{BuildVersion: "1.0", BuildDate: "2026-01-01"}
	io, out, _ := stdio()

	code := c.Main([]string{"cassette", "-v"}, io)
	assert.Equal(t, mainer.Success, code)
	assert.Contains(t, out.String(), "1.0")
	assert.Contains(t, out.String(), "library path:")
}

func TestMainBuildOnlyWritesProgramFile(t *testing.T) {
	entry := writeEntry(t, `trap(0, 1 + 2)`)
	c := Cmd{}
	io, out, _ := stdio()

	code := c.Main([]string{"cassette", "-c", entry}, io)
	assert.Equal(t, mainer.Success, code)
	assert.Empty(t, out.String())

	out2 := outputPath(entry)
	_, err := os.Stat(out2)
	assert.NoError(t, err)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "/a/b/main.tape", outputPath("/a/b/main.cst"))
	assert.Equal(t, "/a/b/main.tape", outputPath("/a/b/main"))
}
