package main

import (
	"fmt"
	"os"
)

const (
	exitCodeFailure       = 1
	exitCodePartialRename = 2
)

type cliExitError struct {
	code  int
	cause error
}

func (e cliExitError) Error() string {
	if e.cause == nil {
		return ""
	}
	return e.cause.Error()
}

func (e cliExitError) Unwrap() error {
	return e.cause
}

func (e cliExitError) ExitCode() int {
	return e.code
}

func newCLIExitError(code int, cause error) error {
	if cause == nil {
		return nil
	}
	return cliExitError{code: code, cause: cause}
}

func resolveCLIExitCode(err error) int {
	if err == nil {
		return 0
	}
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return exitCodeFailure
}

func main() {
	env := defaultEnv()
	if err := executeCLI(env, os.Args[1:]); err != nil {
		fmt.Fprintln(env.stderr, "stossyctl:", err)
		os.Exit(resolveCLIExitCode(err))
	}
}

func executeCLI(env *cliEnv, args []string) error {
	root := newRootCommand(env)
	root.SetArgs(args)
	return root.Execute()
}
