package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/core-tools/hsu-rlm/pkg/doctor"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/planner"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
	"github.com/core-tools/hsu-rlm/pkg/rlm"

	"golang.org/x/sys/unix"
)

type limitFlags struct {
	Profile string `short:"p" long:"profile" description:"profile to apply; explicit limits override its fields"`
	Memory  string `short:"m" long:"memory" value-name:"SIZE" description:"memory ceiling, e.g. 512M or 2G"`
	CPU     string `short:"c" long:"cpu" value-name:"PERCENT" description:"CPU share in percent of one core, e.g. 50 or 150"`
	IORead  string `long:"io-read" value-name:"RATE" description:"read bandwidth per second, e.g. 10M"`
	IOWrite string `long:"io-write" value-name:"RATE" description:"write bandwidth per second, e.g. 10M"`
}

func (f limitFlags) request() rlm.LimitRequest {
	return rlm.LimitRequest{
		Profile: f.Profile,
		Limits: resourcelimits.Strings{
			Memory:  f.Memory,
			CPU:     f.CPU,
			IORead:  f.IORead,
			IOWrite: f.IOWrite,
		},
	}
}

type batchFlags struct {
	DryRun bool `short:"n" long:"dry-run" description:"print the plan without changing anything"`
	Force  bool `short:"f" long:"force" description:"act on every match without asking"`
	Yes    bool `short:"y" long:"yes" description:"answer yes to the confirmation prompt"`
}

func (f batchFlags) options() rlm.LimitOptions {
	return rlm.LimitOptions{DryRun: f.DryRun, Force: f.Force, Confirmed: f.Yes}
}

type targetArgs struct {
	Target string `positional-arg-name:"TARGET" required:"yes"`
}

func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ===== LIMIT / UNLIMIT =====

type limitCommand struct {
	app *app
	limitFlags
	batchFlags
	Args targetArgs `positional-args:"yes"`
}

func (c *limitCommand) Execute(args []string) error {
	sel, err := process.ParseSelector(c.Args.Target)
	if err != nil {
		return err
	}
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := interruptible()
	defer cancel()

	result, err := m.Limit(ctx, sel, c.request(), c.options())
	return c.app.finishBatch(ctx, m, result, err, c.DryRun)
}

type unlimitCommand struct {
	app *app
	batchFlags
	Args targetArgs `positional-args:"yes"`
}

func (c *unlimitCommand) Execute(args []string) error {
	sel, err := process.ParseSelector(c.Args.Target)
	if err != nil {
		return err
	}
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := interruptible()
	defer cancel()

	result, err := m.Unlimit(ctx, sel, c.options())
	return c.app.finishBatch(ctx, m, result, err, c.DryRun)
}

// finishBatch prints a plan or report and asks for confirmation when an
// ambiguous plan comes back and stdin is a terminal
func (a *app) finishBatch(ctx context.Context, m *rlm.Manager, result *rlm.Result, err error, dryRun bool) error {
	if err != nil && errors.IsAmbiguousError(err) && result != nil && result.Plan != nil {
		if !a.confirm(result.Plan) {
			return err
		}
		report, err := m.Commit(ctx, result.Plan)
		if report != nil {
			printReport(a.stdout, report)
		}
		return err
	}
	if result != nil {
		switch {
		case dryRun && result.Plan != nil:
			printPlan(a.stdout, result.Plan)
		case result.Report != nil:
			printReport(a.stdout, result.Report)
		}
	}
	return err
}

func (a *app) confirm(plan *planner.Plan) bool {
	if f, ok := a.stdin.(*os.File); !ok || !isTerminal(f) {
		return false
	}
	fmt.Fprintln(a.stdout, plan.Summary().String())
	fmt.Fprint(a.stdout, "Proceed? [y/N] ")
	line, _ := bufio.NewReader(a.stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

// ===== RUN =====

type runCommand struct {
	app *app
	limitFlags
}

func (c *runCommand) Execute(args []string) error {
	if len(args) == 0 {
		return errors.NewValidationError("no command given; put it after --", nil)
	}
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	// signals are forwarded to the child rather than cancelling rlm
	result, err := m.Run(context.Background(), c.request(), args[0], args[1:])
	if err != nil {
		return err
	}
	c.app.exitCode = result.ExitCode
	return nil
}

// ===== QUERIES =====

type statusCommand struct {
	app *app
}

func (c *statusCommand) Execute(args []string) error {
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	entries, err := m.Status(context.Background())
	if err != nil {
		return err
	}
	printStatus(c.app.stdout, entries)
	return nil
}

type inspectCommand struct {
	app  *app
	Args struct {
		PID string `positional-arg-name:"PID" required:"yes"`
	} `positional-args:"yes"`
}

func (c *inspectCommand) Execute(args []string) error {
	pid, err := process.ValidatePID(c.Args.PID)
	if err != nil {
		return err
	}
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	in, err := m.Inspect(context.Background(), pid)
	if err != nil {
		return err
	}
	printInspection(c.app.stdout, in)
	return nil
}

type profilesCommand struct {
	app *app
}

func (c *profilesCommand) Execute(args []string) error {
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	printProfiles(c.app.stdout, m.Profiles())
	return nil
}

type doctorCommand struct {
	app *app
}

func (c *doctorCommand) Execute(args []string) error {
	m, err := c.app.manager(true)
	if err != nil {
		return err
	}
	defer m.Close()

	results := m.Doctor(context.Background())
	printDoctor(c.app.stdout, results)
	if doctor.Failed(results) {
		c.app.exitCode = rlm.ExitFailure
	}
	return nil
}

// ===== PROFILE TRANSFER =====

type exportCommand struct {
	app  *app
	Args struct {
		File string `positional-arg-name:"FILE" required:"yes"`
	} `positional-args:"yes"`
}

func (c *exportCommand) Execute(args []string) error {
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	n, err := m.Export(c.Args.File)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.app.stdout, "Exported %d profiles to %s\n", n, c.Args.File)
	return nil
}

type importCommand struct {
	app       *app
	Overwrite bool `long:"overwrite" description:"replace profiles that already exist"`
	Args      struct {
		File string `positional-arg-name:"FILE" required:"yes"`
	} `positional-args:"yes"`
}

func (c *importCommand) Execute(args []string) error {
	m, err := c.app.manager(false)
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := m.Import(c.Args.File, c.Overwrite)
	if err != nil {
		return err
	}
	printImport(c.app.stdout, res)
	return nil
}
