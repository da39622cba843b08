// Command mirrorctl runs operator actions against the mirror database and
// the Discord REST API. It never opens a gateway session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/dustin/go-humanize"

	"conduction/internal/app"
	"conduction/internal/mirror/fanout"
	"conduction/internal/storage"
	"conduction/internal/task/scheduler"
)

const usage = `usage: mirrorctl [-config path] [-actor name] <command> [args]

commands:
  edge-add <src> <dest> [legacy|follow]
  edge-remove <src> <dest>
  undo-disable <since>          RFC3339 time or a duration ago, e.g. 2h
  send <channel> <message>
  update <channel> <message>
  delete <channel> <message>
  prune
  refresh-populations
  stats
`

func main() {
	fs := flag.NewFlagSet("mirrorctl", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json or yaml")
	actor := fs.String("actor", defaultActor(), "name recorded in the audit log")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	err = run(ctx, a.Admin(), *actor, fs.Args(), os.Stdout)
	_ = a.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad arguments")

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func run(ctx context.Context, ad *app.Admin, actor string, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "edge-add":
		if len(rest) < 2 || len(rest) > 3 {
			return errUsage
		}
		ids, err := parseIDs(rest[:2])
		if err != nil {
			return err
		}
		mode := storage.ModeLegacy
		if len(rest) == 3 {
			mode = storage.Mode(rest[2])
		}
		if err := ad.AddEdge(ctx, actor, ids[0], ids[1], mode); err != nil {
			return err
		}
		fmt.Fprintf(out, "edge %s -> %s added (%s)\n", ids[0], ids[1], mode)
	case "edge-remove":
		ids, err := parseIDs(rest)
		if err != nil || len(ids) != 2 {
			return errors.Join(errUsage, err)
		}
		if err := ad.RemoveEdge(ctx, actor, ids[0], ids[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "edge %s -> %s removed\n", ids[0], ids[1])
	case "undo-disable":
		if len(rest) != 1 {
			return errUsage
		}
		since, err := parseSince(rest[0], time.Now())
		if err != nil {
			return err
		}
		edges, err := ad.UndoDisableSince(ctx, actor, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "re-enabled %d edges disabled since %s\n", len(edges), since.Format(time.RFC3339))
	case "send", "update", "delete":
		ids, err := parseIDs(rest)
		if err != nil || len(ids) != 2 {
			return errors.Join(errUsage, err)
		}
		var st fanout.RunStatus
		switch cmd {
		case "send":
			st, err = ad.Send(ctx, actor, ids[0], ids[1])
		case "update":
			st, err = ad.Update(ctx, actor, ids[0], ids[1])
		default:
			st, err = ad.Delete(ctx, actor, ids[0], ids[1])
		}
		if err != nil {
			return err
		}
		printRun(out, st)
	case "prune":
		if err := ad.Prune(ctx, actor); err != nil {
			return err
		}
		fmt.Fprintln(out, "ledger pruned")
	case "refresh-populations":
		if err := ad.RefreshPopulations(ctx, actor); err != nil {
			return err
		}
		fmt.Fprintln(out, "populations refreshed")
	case "stats":
		st, err := ad.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(out, st)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

func parseIDs(raw []string) ([]snowflake.ID, error) {
	out := make([]snowflake.ID, 0, len(raw))
	for _, r := range raw {
		id, err := snowflake.Parse(strings.TrimSpace(r))
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", r)
		}
		out = append(out, id)
	}
	return out, nil
}

// parseSince accepts an RFC3339 timestamp or a duration back from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("since: want RFC3339 or a positive duration, got %q", raw)
	}
	return now.Add(-d), nil
}

func printRun(out io.Writer, st fanout.RunStatus) {
	fmt.Fprintf(out, "run %s %s: %s\n", st.ID, st.Kind, st.State)
	fmt.Fprintf(out, "  succeeded %d, failed %d of %d", st.Succeeded, st.Failed, st.Total)
	if st.Disabled > 0 {
		fmt.Fprintf(out, ", %d edges auto-disabled", st.Disabled)
	}
	fmt.Fprintln(out)
	if st.Note != "" {
		fmt.Fprintf(out, "  note: %s\n", st.Note)
	}
}

func printStats(out io.Writer, st app.Stats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tMODE\tENABLED\tDISABLED")
	for _, c := range st.Edges {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.SrcID, c.Mode, humanize.Comma(int64(c.Enabled)), humanize.Comma(int64(c.Disabled)))
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "\nservers with known population: %s\n", humanize.Comma(int64(st.Populations)))

	if len(st.Jobs) > 0 {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSCHEDULE\tRUNS\tLAST RUN\tLAST ERROR")
		for _, j := range st.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.Name, j.Spec, j.Runs, when(j), j.LastErr)
		}
		_ = tw.Flush()
	}
	// Run history lives in the bot process; a fresh CLI only sees its own runs.
	for _, r := range st.Runs {
		printRun(out, r)
	}
}

func when(j scheduler.ScheduleInfo) string {
	if j.LastRun.IsZero() {
		return "never"
	}
	return humanize.Time(j.LastRun)
}
