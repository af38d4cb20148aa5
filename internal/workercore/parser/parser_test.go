package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/parser"
)

func TestPythonSignatureParser(t *testing.T) {
	code := "import requests\n\ndef main(name: str, count: int = 3):\n    pass\n"
	args, err := parser.PythonSignatureParser{}.Parse(code)
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "name", args[0].Name)
	assert.False(t, args[0].HasDefault)
	assert.Equal(t, "count", args[1].Name)
	assert.True(t, args[1].HasDefault)
}

func TestPythonSignatureParser_CapturesBytesAndDatetimeTypes(t *testing.T) {
	code := "def main(payload: bytes, ts: datetime.datetime, name: str):\n    pass\n"
	args, err := parser.PythonSignatureParser{}.Parse(code)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.True(t, args[0].IsBytes())
	assert.False(t, args[0].IsDatetime())
	assert.True(t, args[1].IsDatetime())
	assert.False(t, args[1].IsBytes())
	assert.False(t, args[2].IsBytes())
	assert.False(t, args[2].IsDatetime())
}

func TestDenoSignatureParser(t *testing.T) {
	code := "export async function main(name: string, count = 3) {}\n"
	args, err := parser.DenoSignatureParser{}.Parse(code)
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "name", args[0].Name)
}

func TestPythonImportScanner(t *testing.T) {
	code := "import os\nimport requests\nfrom pandas import DataFrame\nimport wmill\n"
	imports := parser.PythonImportScanner{}.Scan(code)
	assert.ElementsMatch(t, []string{"requests", "pandas"}, imports)
}
