package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/events"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/remote"
	"github.com/SiriusScan/go-fleet/fleet/slogger"
)

var flagExecHosts []uint

var execCmd = &cobra.Command{
	Use:   "exec -- COMMAND",
	Short: "Run a shell command on every host (or the selected ones)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		return withApp(func(a *app) error {
			hosts, err := selectHosts(cmd.Context(), a, flagExecHosts)
			if err != nil {
				return err
			}
			return partialFailure(a.dispatcher().RunAll(cmd.Context(), hosts, command, printResult))
		})
	},
}

// selectHosts returns the given hosts, or every host when ids is empty.
func selectHosts(ctx context.Context, a *app, ids []uint) ([]fleet.Host, error) {
	var hosts []fleet.Host
	var err error
	if len(ids) > 0 {
		hosts, err = a.hosts.GetHosts(ctx, ids)
	} else {
		hosts, err = a.hosts.ListHosts(ctx)
	}
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fleet.ErrNoAvailableHosts
	}
	return hosts, nil
}

// printResult writes one host's outcome as it arrives. With debug logging
// the stderr of successful commands is shown too.
func printResult(h fleet.Host, res remote.Result) {
	resultMu.Lock()
	defer resultMu.Unlock()
	fmt.Printf("== %s (%s) exit=%d %s\n", h.Name, h.Endpoint(), res.ExitStatus, res.Kind)
	if res.Stdout != "" {
		fmt.Println(strings.TrimRight(res.Stdout, "\n"))
	}
	switch {
	case res.Err != "":
		fmt.Fprintln(os.Stderr, res.Err)
	case res.Stderr != "" && slogger.IsDebug():
		fmt.Fprint(os.Stderr, res.Stderr)
	}
}

var resultMu sync.Mutex

func partialFailure(results map[uint]remote.Result) error {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d hosts", fleet.ErrPartialFailure, failed, len(results))
	}
	return nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every host once and record its status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			checks, err := a.monitor.CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDETAIL")
			for _, c := range checks {
				detail := c.Probe.Err
				if c.Probe.Online {
					detail = probeInfo(c.Probe.Info)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.Host.ID, c.Host.Name, c.Status, detail)
			}
			return w.Flush()
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query recorded fleet events",
}

var (
	flagEventsLimit    int
	flagEventsSeverity string
	flagEventsType     string
	flagEventsEntity   string
	flagEventsSince    time.Duration
	flagEventsPrune    time.Duration
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := events.Filters{
			Limit:     flagEventsLimit,
			Severity:  flagEventsSeverity,
			EventType: flagEventsType,
		}
		if typ, id, ok := strings.Cut(flagEventsEntity, ":"); ok {
			f.EntityType, f.EntityID = typ, id
		}
		if flagEventsSince > 0 {
			since := time.Now().Add(-flagEventsSince)
			f.StartTime = &since
		}
		return withApp(func(a *app) error {
			list, total, err := a.events.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tENTITY\tTITLE")
			for _, e := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Severity, e.EventType, e.EntityType, e.EntityID, e.Title)
			}
			fmt.Fprintf(w, "\n%d of %d events\n", len(list), total)
			return w.Flush()
		})
	},
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count events by severity and type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			stats, err := a.events.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show EVENT_ID",
	Short: "Print one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			e, err := a.events.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			n, err := a.events.DeleteOlderThan(cmd.Context(), flagEventsPrune)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d events\n", n)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Finding severity snapshots per region",
}

var flagSnapshotRegion string
var flagSnapshotLimit int

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Count the region's findings and store a snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snap, err := a.snapshots.CreateSnapshot(cmd.Context(), regionOr(a, flagSnapshotRegion), uuid.NewString())
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the region's most recent snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snap, err := a.snapshots.GetLatestSnapshot(cmd.Context(), regionOr(a, flagSnapshotRegion))
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var snapshotTrendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Print the region's recent snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snaps, err := a.snapshots.GetTrendData(cmd.Context(), regionOr(a, flagSnapshotRegion), flagSnapshotLimit)
			if err != nil {
				return err
			}
			return printJSON(snaps)
		})
	},
}

var (
	flagFindingsTask     uint
	flagFindingsHost     uint
	flagFindingsSeverity string
	flagFindingsLimit    int
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List findings stored in a region",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			db, err := a.regions.Get(flagSnapshotRegion)
			if err != nil {
				return err
			}
			list, err := postgres.NewFindingRepository(db).ListFindings(cmd.Context(), postgres.FindingFilters{
				TaskID:   flagFindingsTask,
				HostID:   flagFindingsHost,
				Severity: fleet.Severity(flagFindingsSeverity),
				Limit:    flagFindingsLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the control and region schemas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.migrate(); err != nil {
				return err
			}
			fmt.Printf("migrated control database and regions %s\n", strings.Join(a.regions.Names(), ", "))
			return nil
		})
	},
}

var dbPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity to every configured backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			failed := false
			report := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("%-20s FAIL %v\n", name, err)
					return
				}
				fmt.Printf("%-20s ok\n", name)
			}
			report("control", postgres.Ping(a.control))
			for _, name := range a.regions.Names() {
				db, err := a.regions.Get(name)
				if err == nil {
					err = postgres.Ping(db)
				}
				report("region "+name, err)
			}
			if a.broker != nil {
				report("rabbitmq", a.broker.Ping())
			}
			if failed {
				return fmt.Errorf("some backends are unreachable")
			}
			return nil
		})
	},
}

func init() {
	execCmd.Flags().UintSliceVar(&flagExecHosts, "host", nil, "host id (repeatable; default all hosts)")

	eventsListCmd.Flags().IntVar(&flagEventsLimit, "limit", 50, "maximum events")
	eventsListCmd.Flags().StringVar(&flagEventsSeverity, "severity", "", "info, warning, error or critical")
	eventsListCmd.Flags().StringVar(&flagEventsType, "type", "", "event type, e.g. task_failed")
	eventsListCmd.Flags().StringVar(&flagEventsEntity, "entity", "", "entity as TYPE:ID, e.g. task:12")
	eventsListCmd.Flags().DurationVar(&flagEventsSince, "since", 0, "only events newer than this")
	eventsPruneCmd.Flags().DurationVar(&flagEventsPrune, "older-than", 30*24*time.Hour, "age of events to delete")
	eventsCmd.AddCommand(eventsListCmd, eventsShowCmd, eventsStatsCmd, eventsPruneCmd)

	snapshotCmd.PersistentFlags().StringVar(&flagSnapshotRegion, "region", "", "region (default: default_region)")
	snapshotTrendCmd.Flags().IntVar(&flagSnapshotLimit, "limit", 10, "number of snapshots")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotLatestCmd, snapshotTrendCmd)

	findingsCmd.Flags().StringVar(&flagSnapshotRegion, "region", "", "region (default: default_region)")
	findingsCmd.Flags().UintVar(&flagFindingsTask, "task", 0, "task id")
	findingsCmd.Flags().UintVar(&flagFindingsHost, "host", 0, "host id")
	findingsCmd.Flags().StringVar(&flagFindingsSeverity, "severity", "", "severity")
	findingsCmd.Flags().IntVar(&flagFindingsLimit, "limit", 100, "maximum findings")

	dbCmd.AddCommand(dbMigrateCmd, dbPingCmd)
}

func probeInfo(info map[string]string) string {
	keys := slices.Sorted(maps.Keys(info))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + info[k]
	}
	return strings.Join(parts, " ")
}

func regionOr(a *app, region string) string {
	if region == "" {
		return a.regions.Default()
	}
	return region
}
