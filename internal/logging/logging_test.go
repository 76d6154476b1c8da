package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryWrite(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: newZerolog(&buf)}

	l.Info().WithMessage("run finished").WithWorkflow("aed").WithRun("r1").WithField("exit_code", 0).Write()

	out := buf.String()
	assert.Contains(t, out, "run finished")
	assert.Contains(t, out, "workflow=aed")
	assert.Contains(t, out, "run=r1")
	assert.Contains(t, out, "exit_code=0")
}

func TestErrorEntry(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: newZerolog(&buf)}

	l.Error(errors.New("boom")).WithMessage("step failed").Write()
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "step failed")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: newZerolog(&buf)}

	l.SetLevel("info")
	l.Debug().WithMessage("noise").Write()
	assert.Empty(t, buf.String())

	l.SetLevel("debug")
	l.Debug().WithMessage("detail").Write()
	assert.Contains(t, buf.String(), "detail")
}

func TestFormatCaller(t *testing.T) {
	assert.Equal(t, "runner/runner.go:10", formatCaller("/src/internal/runner/runner.go:10"))
	assert.Equal(t, "", formatCaller(nil))
}
