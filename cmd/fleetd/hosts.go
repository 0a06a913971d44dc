package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage fleet hosts",
}

var (
	flagHostPort     int
	flagHostUser     string
	flagHostKey      string
	flagHostPassword string
)

var hostAddCmd = &cobra.Command{
	Use:   "add NAME ADDRESS",
	Short: "Register a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := fleet.NewHost(args[0], args[1], flagHostPort, fleet.Credential{KeyPath: flagHostKey, Password: flagHostPassword})
		if err != nil {
			return err
		}
		h.Username = flagHostUser
		return withApp(func(a *app) error {
			h, err := a.hosts.AddHost(cmd.Context(), h)
			if err != nil {
				return err
			}
			return printJSON(h)
		})
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts with their last known status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			hosts, err := a.hosts.ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENDPOINT\tSTATUS\tLAST SEEN")
			for _, h := range hosts {
				seen := "-"
				if h.LastSeen != nil {
					seen = h.LastSeen.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", h.ID, h.Name, h.Endpoint(), h.Status, seen)
			}
			return w.Flush()
		})
	},
}

var hostDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Remove a host that no active task references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			return a.deleteHost(cmd.Context(), id)
		})
	},
}

var flagProvisionHosts []uint

var hostInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the scanning engine and its templates on every host (or the selected ones)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			hosts, err := selectHosts(cmd.Context(), a, flagProvisionHosts)
			if err != nil {
				return err
			}
			return partialFailure(a.dispatcher().Install(cmd.Context(), hosts, a.cfg.ScanConfig(), printResult))
		})
	},
}

var hostUpdateTemplatesCmd = &cobra.Command{
	Use:   "update-templates",
	Short: "Refresh the engine's public templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			hosts, err := selectHosts(cmd.Context(), a, flagProvisionHosts)
			if err != nil {
				return err
			}
			return partialFailure(a.dispatcher().UpdateTemplates(cmd.Context(), hosts, a.cfg.ScanConfig(), printResult))
		})
	},
}

var hostDeployTemplatesCmd = &cobra.Command{
	Use:   "deploy-templates ARCHIVE",
	Short: "Upload a .tar.gz of custom templates and unpack it into scan.templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			hosts, err := selectHosts(cmd.Context(), a, flagProvisionHosts)
			if err != nil {
				return err
			}
			results, err := a.dispatcher().DeployTemplates(cmd.Context(), hosts, a.cfg.ScanConfig(), args[0], printResult)
			if err != nil {
				return err
			}
			return partialFailure(results)
		})
	},
}

var hostMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Collect detailed system metrics from every host (or the selected ones)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			hosts, err := selectHosts(cmd.Context(), a, flagProvisionHosts)
			if err != nil {
				return err
			}
			return printJSON(hostMetrics(hosts, a.dispatcher().CollectMetrics(cmd.Context(), hosts)))
		})
	},
}

type metricsReport struct {
	HostID      uint              `json:"host_id"`
	Name        string            `json:"name"`
	Online      bool              `json:"online"`
	Error       string            `json:"error,omitempty"`
	Metrics     map[string]string `json:"metrics,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
}

// hostMetrics orders collected metrics like the host list.
func hostMetrics(hosts []fleet.Host, collected map[uint]remote.ProbeResult) []metricsReport {
	out := make([]metricsReport, 0, len(hosts))
	for _, h := range hosts {
		m := collected[h.ID]
		out = append(out, metricsReport{HostID: h.ID, Name: h.Name, Online: m.Online, Error: m.Err, Metrics: m.Info, CollectedAt: m.CheckedAt})
	}
	return out
}

func init() {
	hostAddCmd.Flags().IntVar(&flagHostPort, "port", 22, "SSH port")
	hostAddCmd.Flags().StringVar(&flagHostUser, "user", "", "SSH user (default: ssh.username)")
	hostAddCmd.Flags().StringVar(&flagHostKey, "key", "", "private key path")
	hostAddCmd.Flags().StringVar(&flagHostPassword, "password", "", "SSH password")
	hostAddCmd.MarkFlagsMutuallyExclusive("key", "password")
	for _, c := range []*cobra.Command{hostInstallCmd, hostUpdateTemplatesCmd, hostDeployTemplatesCmd, hostMetricsCmd} {
		c.Flags().UintSliceVar(&flagProvisionHosts, "host", nil, "host id (repeatable; default all hosts)")
	}
	hostCmd.AddCommand(hostAddCmd, hostListCmd, hostDeleteCmd, hostInstallCmd, hostUpdateTemplatesCmd, hostDeployTemplatesCmd, hostMetricsCmd)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}
