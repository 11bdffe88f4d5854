package codesign

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Tools names the external executables the pipeline shells out to
type Tools struct {
	Unzip    string `yaml:"unzip"`
	Zip      string `yaml:"zip"`
	Codesign string `yaml:"codesign"`
	Security string `yaml:"security"`
}

// DefaultTools returns the stock macOS tool names, resolved through PATH
func DefaultTools() Tools {
	return Tools{
		Unzip:    "unzip",
		Zip:      "zip",
		Codesign: "codesign",
		Security: "security",
	}
}

// WithDefaults fills any empty tool name with its default
func (t Tools) WithDefaults() Tools {
	d := DefaultTools()
	if t.Unzip == "" {
		t.Unzip = d.Unzip
	}
	if t.Zip == "" {
		t.Zip = d.Zip
	}
	if t.Codesign == "" {
		t.Codesign = d.Codesign
	}
	if t.Security == "" {
		t.Security = d.Security
	}
	return t
}

// Cmd is a single external process invocation
type Cmd struct {
	Name string
	Args []string
	Dir  string // working directory, empty for the current one
}

func (c Cmd) String() string {
	words := make([]string, 0, len(c.Args)+1)
	for _, word := range append([]string{c.Name}, c.Args...) {
		if strings.ContainsRune(word, ' ') {
			word = "\"" + word + "\""
		}
		words = append(words, word)
	}
	return strings.Join(words, " ")
}

// Result is the outcome of a process that ran to completion
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external processes. A process that starts and exits non-zero
// is reported through Result.ExitCode with a nil error; the error is reserved
// for processes that could not be started or were cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	Logger zerolog.Logger
}

// Run implements Runner
func (r ExecRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	r.Logger.Debug().Str("cmd", cmd.String()).Str("dir", cmd.Dir).Msg("running tool")
	err := proc.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
