package main

import (
	"fmt"
	"io"
	"os"

	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/paths"
	"github.com/core-tools/hsu-rlm/pkg/rlm"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config     string `long:"config" value-name:"FILE" description:"configuration file used instead of the user config"`
	StateFile  string `long:"state-file" value-name:"FILE" description:"registry file used instead of the configured one"`
	LogLevel   string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level"`
	LogBackend string `long:"log-backend" choice:"zap" choice:"logrus" description:"log backend"`
}

// app is shared by every command of one invocation
type app struct {
	opts     globalOptions
	stdout   io.Writer
	stderr   io.Writer
	stdin    io.Reader
	exitCode int
}

func (a *app) manager(tolerateConfigErrors bool) (*rlm.Manager, error) {
	return rlm.New(rlm.Options{
		Paths:                paths.Config{ConfigFile: a.opts.Config},
		StateFile:            a.opts.StateFile,
		Log:                  logging.BackendConfig{Level: a.opts.LogLevel, Backend: a.opts.LogBackend},
		TolerateConfigErrors: tolerateConfigErrors,
	}, nil)
}

func newParser(a *app) *flags.Parser {
	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "rlm"
	parser.ShortDescription = "per-process resource limits on cgroup v2"

	parser.AddCommand("limit", "Confine running processes",
		"Moves the processes matching TARGET (a PID, a name, pid=N or name=X) into their own cgroup.",
		&limitCommand{app: a})
	parser.AddCommand("run", "Run a command inside a limited cgroup",
		"Starts COMMAND inside a fresh cgroup and waits for it. Put the command after --.",
		&runCommand{app: a})
	parser.AddCommand("unlimit", "Release managed processes",
		"Moves the processes matching TARGET back to their original cgroup and removes rlm's cgroup.",
		&unlimitCommand{app: a})
	parser.AddCommand("status", "List managed processes", "", &statusCommand{app: a})
	parser.AddCommand("inspect", "Show the limits the kernel enforces for a managed process", "", &inspectCommand{app: a})
	parser.AddCommand("profiles", "List built-in and user profiles", "", &profilesCommand{app: a})
	parser.AddCommand("doctor", "Check the host for cgroup v2 support", "", &doctorCommand{app: a})
	parser.AddCommand("export", "Write user profiles to a file", "", &exportCommand{app: a})
	parser.AddCommand("import", "Merge profiles from a file into the user configuration", "", &importCommand{app: a})
	return parser
}

func run(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, stdin: stdin}
	parser := newParser(a)

	_, err := parser.ParseArgs(argv)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				fmt.Fprintln(stdout, flagsErr.Message)
				return rlm.ExitOK
			}
			fmt.Fprintf(stderr, "rlm: %v\n", flagsErr.Message)
			return rlm.ExitValidation
		}
		fmt.Fprintf(stderr, "rlm: %v\n", err)
		return rlm.ExitCode(err)
	}
	return a.exitCode
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
