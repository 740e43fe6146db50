// SPDX-License-Identifier: MIT

// ansible-compat inspects and prepares Ansible runtime environments.
//
// Usage:
//
//	ansible-compat version
//	ansible-compat info
//	ansible-compat prepare [-isolated] [-local] [-offline] [-retries N]
//	ansible-compat clean
//	ansible-compat exec [-tee] -- command [args...]
//
// Exit codes:
//   - 0: Success
//   - 1: Generic failure
//   - 2: Usage error
//   - 4: No working ansible executable found
//   - 10: Invalid prerequisites (missing collection, broken install)
//
// exec forwards the exit code of the wrapped command.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
	"github.com/ansible-community/ansible-compat-go/internal/log"
	"github.com/ansible-community/ansible-compat-go/runtime"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	log.Configure(log.Config{})

	if len(os.Args) < 2 {
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(Version)
		return 0
	case "info":
		err = cmdInfo(ctx, os.Args[2:])
	case "prepare":
		err = cmdPrepare(ctx, os.Args[2:])
	case "clean":
		err = cmdClean(ctx, os.Args[2:])
	case "exec":
		return cmdExec(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ansiblecompat.ReturnCode(err)
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ansible-compat version")
	fmt.Fprintln(os.Stderr, "  ansible-compat info")
	fmt.Fprintln(os.Stderr, "  ansible-compat prepare [-isolated] [-local] [-offline] [-retries N]")
	fmt.Fprintln(os.Stderr, "  ansible-compat clean")
	fmt.Fprintln(os.Stderr, "  ansible-compat exec [-tee] -- command [args...]")
}

// projectFlag adds the shared -project flag to a flag set.
func projectFlag(fs *flag.FlagSet) *string {
	return fs.String("project", "", "project directory (default: current directory)")
}

func cmdInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	project := projectFlag(fs)
	_ = fs.Parse(args)

	r, err := runtime.New(ctx, *project)
	if err != nil {
		return err
	}
	v, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if err := r.LoadCollections(ctx); err != nil {
		return err
	}

	info := struct {
		Version          string               `json:"version"`
		CollectionsPaths []string             `json:"collections_paths"`
		Collections      []runtime.Collection `json:"collections"`
	}{
		Version:          v.String(),
		CollectionsPaths: r.Config.CollectionsPaths,
		Collections:      r.Collections(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func cmdPrepare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	project := projectFlag(fs)
	isolated := fs.Bool("isolated", false, "install into a per-project cache directory")
	local := fs.Bool("local", false, "also install the project itself (collection or role)")
	offline := fs.Bool("offline", false, "skip all installation steps")
	retries := fs.Int("retries", 0, "retry network operations this many times")
	roleNameCheck := fs.Int("role-name-check", 0, "role name validation: 0 error, 1 warn, 2 bypass")
	_ = fs.Parse(args)

	opts := []runtime.Option{runtime.WithMaxRetries(*retries)}
	if *isolated {
		opts = append(opts, runtime.WithIsolated())
	}
	r, err := runtime.New(ctx, *project, opts...)
	if err != nil {
		return err
	}
	return r.PrepareEnvironment(ctx, runtime.PrepareOptions{
		Retry:         *retries > 0,
		InstallLocal:  *local,
		Offline:       *offline,
		RoleNameCheck: *roleNameCheck,
	})
}

func cmdClean(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	project := projectFlag(fs)
	_ = fs.Parse(args)

	r, err := runtime.New(ctx, *project, runtime.WithIsolated())
	if err != nil {
		return err
	}
	r.Clean()
	return nil
}

func cmdExec(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	project := projectFlag(fs)
	tee := fs.Bool("tee", false, "stream command output while capturing it")
	_ = fs.Parse(args)

	cmdArgs := fs.Args()
	if len(cmdArgs) > 0 && cmdArgs[0] == "--" {
		cmdArgs = cmdArgs[1:]
	}
	if len(cmdArgs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: exec requires a command after --")
		return 2
	}

	r, err := runtime.New(ctx, *project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ansiblecompat.ReturnCode(err)
	}

	var execOpts []runtime.ExecOption
	if *tee {
		execOpts = append(execOpts, runtime.WithTee())
	}
	proc, err := r.Exec(ctx, cmdArgs, execOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ansiblecompat.ReturnCode(err)
	}
	if !*tee {
		fmt.Print(proc.Stdout)
		fmt.Fprint(os.Stderr, proc.Stderr)
	}
	return proc.ExitCode
}
