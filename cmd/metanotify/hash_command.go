package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"metanotify/internal/auth"
	"metanotify/internal/cli"
	"metanotify/internal/version"
)

// runHash prints the value to configure as password-hash for a password.
func runHash(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("metanotify hash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	salt := fs.String("salt", "", "Salt prepended to the password")
	useBcrypt := fs.Bool("bcrypt", false, "Produce a bcrypt hash instead of salted SHA-256")
	helpVersion := cli.AddHelpVersionFlags(fs, "", "")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: metanotify hash [--salt SALT] [--bcrypt] PASSWORD")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Prints the password hash to use as --password-hash.")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.Usage()
			return 0
		}
		fmt.Fprintln(errOut, err)
		return 2
	}
	if helpVersion.Help {
		fs.Usage()
		return 0
	}
	if helpVersion.Version {
		return runVersion(out)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "hash: expected exactly one PASSWORD argument")
		return 2
	}
	password := fs.Arg(0)
	if strings.TrimSpace(password) == "" {
		fmt.Fprintln(errOut, "hash: password cannot be empty")
		return 2
	}

	if *useBcrypt {
		if *salt != "" {
			fmt.Fprintln(errOut, "hash: --salt is ignored with --bcrypt")
		}
		hashed, err := auth.HashBcrypt(password)
		if err != nil {
			fmt.Fprintf(errOut, "hash: %v\n", err)
			return 1
		}
		fmt.Fprintln(out, hashed)
		return 0
	}
	fmt.Fprintln(out, auth.Hash(password, *salt))
	return 0
}

func runVersion(out io.Writer) int {
	fmt.Fprintln(out, version.Get().String())
	return 0
}
