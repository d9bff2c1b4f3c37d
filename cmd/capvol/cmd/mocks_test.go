package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type ExitMocks struct {
	mock.Mock
	fatalCalls int
}

func (m *ExitMocks) Fatalf(format string, v ...interface{}) {
	m.fatalCalls++
}

func (m *ExitMocks) Fatalln(v ...interface{}) {
	m.fatalCalls++
}

func (m *ExitMocks) Exit(code int) {
	m.fatalCalls++
}

func MakeFatalfMock(m *ExitMocks) func(string, ...interface{}) {
	return func(format string, v ...interface{}) {
		m.Fatalf(format, v...)
	}
}

func MakeFatallnMock(m *ExitMocks) func(...interface{}) {
	return func(v ...interface{}) {
		m.Fatalln(v...)
	}
}

func MakeExitMock(m *ExitMocks) func(int) {
	return func(code int) {
		m.Exit(code)
	}
}

var exitMocks *ExitMocks

// setupTests runs commands against an in-memory file system
func setupTests(t *testing.T) func() {
	exitMocks = new(ExitMocks)
	savedFatalf, savedFatalln, savedExit, savedOut, savedFs := logFatalf, logFatalln, osExit, out, fs
	logFatalf = MakeFatalfMock(exitMocks)
	logFatalln = MakeFatallnMock(exitMocks)
	osExit = MakeExitMock(exitMocks)
	fs = afero.NewMemMapFs()

	return func() {
		logFatalf, logFatalln, osExit, out, fs = savedFatalf, savedFatalln, savedExit, savedOut, savedFs
	}
}

// runCmd executes capvol and returns its output. Flags keep their value from one run
// to the next: tests pass every flag that matters.
func runCmd(t *testing.T, cmd []string, intentMsg string, expectError bool) []byte {
	fatalCallsBefore := exitMocks.fatalCalls
	var buf bytes.Buffer
	out = &buf

	rootCmd.SetArgs(cmd)
	require.NoError(t, rootCmd.Execute(), "error executing '"+strings.Join(cmd, " ")+"' : "+intentMsg)
	if expectError {
		require.Equal(t, fatalCallsBefore+1, exitMocks.fatalCalls,
			"ran '"+strings.Join(cmd, " ")+"' expecting error and didn't see one in mocks : "+intentMsg)
	} else {
		require.Equal(t, fatalCallsBefore, exitMocks.fatalCalls,
			"unexpected error in mocks on '"+strings.Join(cmd, " ")+"' : "+intentMsg)
	}
	return buf.Bytes()
}
