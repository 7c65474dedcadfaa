package main

import (
	"bytes"
	"io"
	"reflect"
	"testing"
)

func stubCommandDeps() commandDeps {
	return commandDeps{
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		RunServer:  func(args []string) int { return 0 },
		RunHash:    func(args []string, out io.Writer, errOut io.Writer) int { return 0 },
		RunVersion: func(out io.Writer) int { return 0 },
	}
}

func TestResolveCommandDefaultsToServer(t *testing.T) {
	deps := stubCommandDeps()
	var gotArgs []string
	deps.RunServer = func(args []string) int {
		gotArgs = append([]string(nil), args...)
		return 4
	}

	cmd, cmdArgs := resolveCommand([]string{"--port", "9000"}, deps)
	if code := cmd.Run(cmdArgs); code != 4 {
		t.Fatalf("expected code 4, got %d", code)
	}
	if !reflect.DeepEqual(gotArgs, []string{"--port", "9000"}) {
		t.Fatalf("expected args to be forwarded, got %v", gotArgs)
	}
}

func TestResolveCommandServe(t *testing.T) {
	deps := stubCommandDeps()
	var gotArgs []string
	deps.RunServer = func(args []string) int {
		gotArgs = append([]string(nil), args...)
		return 0
	}

	cmd, cmdArgs := resolveCommand([]string{"serve", "--root", "data"}, deps)
	cmd.Run(cmdArgs)
	if !reflect.DeepEqual(gotArgs, []string{"--root", "data"}) {
		t.Fatalf("expected serve args without the command name, got %v", gotArgs)
	}

	cmd, cmdArgs = resolveCommand(nil, deps)
	if _, ok := cmd.(serverCommand); !ok || len(cmdArgs) != 0 {
		t.Fatalf("expected server command for empty args, got %T %v", cmd, cmdArgs)
	}
}

func TestResolveCommandHash(t *testing.T) {
	deps := stubCommandDeps()
	deps.Stdout = &bytes.Buffer{}
	deps.Stderr = &bytes.Buffer{}
	var gotArgs []string
	var gotOut io.Writer
	var gotErr io.Writer
	deps.RunHash = func(args []string, out io.Writer, errOut io.Writer) int {
		gotArgs = append([]string(nil), args...)
		gotOut = out
		gotErr = errOut
		return 3
	}

	cmd, cmdArgs := resolveCommand([]string{"hash", "--salt", "s", "pw"}, deps)
	if code := cmd.Run(cmdArgs); code != 3 {
		t.Fatalf("expected code 3, got %d", code)
	}
	if !reflect.DeepEqual(gotArgs, []string{"--salt", "s", "pw"}) {
		t.Fatalf("expected args to be forwarded, got %v", gotArgs)
	}
	if gotOut != deps.Stdout || gotErr != deps.Stderr {
		t.Fatalf("expected hash to use provided writers")
	}
}

func TestResolveCommandVersion(t *testing.T) {
	deps := stubCommandDeps()
	called := false
	deps.RunVersion = func(out io.Writer) int {
		called = true
		return 0
	}

	cmd, cmdArgs := resolveCommand([]string{"version"}, deps)
	if code := cmd.Run(cmdArgs); code != 0 || !called {
		t.Fatalf("expected version command to run")
	}
}
