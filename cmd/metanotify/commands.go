package main

import (
	"io"
	"os"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout     io.Writer
	Stderr     io.Writer
	RunServer  func(args []string) int
	RunHash    func(args []string, out io.Writer, errOut io.Writer) int
	RunVersion func(out io.Writer) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		RunServer:  runServer,
		RunHash:    runHash,
		RunVersion: runVersion,
	}
}

type serverCommand struct {
	deps commandDeps
}

func (c serverCommand) Run(args []string) int {
	return c.deps.RunServer(args)
}

type hashCommand struct {
	deps commandDeps
}

func (c hashCommand) Run(args []string) int {
	return c.deps.RunHash(args, c.deps.Stdout, c.deps.Stderr)
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run(args []string) int {
	return c.deps.RunVersion(c.deps.Stdout)
}

// resolveCommand picks the subcommand. Anything that is not a known
// subcommand name is treated as server flags.
func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) == 0 {
		return serverCommand{deps: deps}, args
	}
	switch args[0] {
	case "serve":
		return serverCommand{deps: deps}, args[1:]
	case "hash":
		return hashCommand{deps: deps}, args[1:]
	case "version":
		return versionCommand{deps: deps}, args[1:]
	}
	return serverCommand{deps: deps}, args
}
