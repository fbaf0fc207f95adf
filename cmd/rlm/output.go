package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/doctor"
	"github.com/core-tools/hsu-rlm/pkg/planner"
	"github.com/core-tools/hsu-rlm/pkg/profiles"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/rlm"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printPlan(w io.Writer, plan *planner.Plan) {
	fmt.Fprintf(w, "Dry run: %s %s, %d targets\n", plan.Operation, plan.Selector, len(plan.Targets))
	for _, t := range plan.Targets {
		fmt.Fprintf(w, "\n%d (%s) -> %s\n", t.Target.PID, t.Target.Name, t.CgroupPath)
		if t.NoOp() {
			fmt.Fprintln(w, "  nothing to do")
			continue
		}
		for _, a := range t.Actions {
			fmt.Fprintf(w, "  %s\n", a)
		}
	}
}

func printReport(w io.Writer, report *planner.Report) {
	tw := newTable(w)
	fmt.Fprintln(tw, "PID\tNAME\tRESULT\tDETAIL")
	for _, o := range report.Outcomes {
		result, detail := "ok", o.CgroupPath
		switch {
		case o.Err != nil:
			result, detail = "failed", o.Err.Error()
		case o.NoOp:
			result, detail = "unchanged", "not managed"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", o.Target.PID, orDash(o.Target.Name), result, detail)
	}
	tw.Flush()
}

func printStatus(w io.Writer, entries []registry.ManagedEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No managed processes")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "PID\tKIND\tPROFILE\tLIMITS\tSINCE\tCGROUP")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.PID, orDash(string(e.Kind)), orDash(e.ProfileName), e.Limits,
			e.CreatedAt.Local().Format(time.RFC3339), e.CgroupPath)
	}
	tw.Flush()
}

func printInspection(w io.Writer, in *rlm.Inspection) {
	tw := newTable(w)
	fmt.Fprintf(tw, "PID:\t%d\n", in.Entry.PID)
	fmt.Fprintf(tw, "Cgroup:\t%s\n", in.Entry.CgroupPath)
	fmt.Fprintf(tw, "Profile:\t%s\n", orDash(in.Entry.ProfileName))
	fmt.Fprintf(tw, "Recorded:\t%s\n", in.Entry.Limits)
	fmt.Fprintf(tw, "Kernel:\t%s\n", in.Kernel)
	fmt.Fprintf(tw, "Origin:\t%s\n", orDash(in.Entry.OriginCgroup))
	tw.Flush()
	if in.Drift {
		fmt.Fprintln(w, "Warning: kernel limits differ from the recorded ones")
	}
}

func printProfiles(w io.Writer, list []profiles.Profile) {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tMEMORY\tCPU\tIO READ\tIO WRITE\tMATCH\tSOURCE")
	for _, p := range list {
		s := p.Limits.Strings()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, orDash(s.Memory), orDash(s.CPU), orDash(s.IORead), orDash(s.IOWrite),
			orDash(strings.Join(p.MatchExe, ",")), p.Source)
	}
	tw.Flush()
}

func printDoctor(w io.Writer, results []doctor.CheckResult) {
	tw := newTable(w)
	for _, r := range results {
		fmt.Fprintf(tw, "[%s]\t%s\t%s\n", strings.ToUpper(string(r.Status)), r.Name, r.Detail)
	}
	tw.Flush()

	var hints []string
	for _, r := range results {
		if r.Hint != "" && r.Status != doctor.StatusPass {
			hints = append(hints, "  "+r.Name+": "+r.Hint)
		}
	}
	if len(hints) > 0 {
		fmt.Fprintln(w, "\nTo fix:")
		fmt.Fprintln(w, strings.Join(hints, "\n"))
	}
}

func printImport(w io.Writer, res *profiles.ImportResult) {
	if len(res.Added) > 0 {
		fmt.Fprintf(w, "Added %s: %s\n", plural(len(res.Added)), strings.Join(res.Added, ", "))
	}
	if len(res.Replaced) > 0 {
		fmt.Fprintf(w, "Replaced %s: %s\n", plural(len(res.Replaced)), strings.Join(res.Replaced, ", "))
	}
	if len(res.Added)+len(res.Replaced) == 0 {
		fmt.Fprintln(w, "No profiles imported")
	}
}

func plural(n int) string {
	if n == 1 {
		return "1 profile"
	}
	return strconv.Itoa(n) + " profiles"
}
