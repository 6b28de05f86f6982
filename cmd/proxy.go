package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/roundcrawler/internal/proxy"
)

// newProxyCmd exposes the lease manager for manual checks.
func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Leases and checks the upstream proxy",
	}
	cmd.AddCommand(newProxyGetCmd(), newProxyCheckCmd())
	return cmd
}

func newProxyGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Leases a proxy and prints it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			addr, ok := appInstance.Proxy().CurrentProxy(cmd.Context())
			if asJSON {
				return printJSON(cmd.OutOrStdout(), appInstance.Proxy().Snapshot())
			}
			if !ok {
				return errors.New("no proxy available")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), addr)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full lease as JSON")
	return cmd
}

func newProxyCheckCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "check [proxy-url]",
		Short: "Requests the probe URL through a proxy",
		Long: `Requests the probe URL through the given proxy, or through a freshly
leased one when no proxy is given, and prints the outcome.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var addr string
			if len(args) == 1 {
				addr = args[0]
			} else {
				var ok bool
				if addr, ok = appInstance.Proxy().CurrentProxy(cmd.Context()); !ok {
					return errors.New("no proxy available")
				}
			}

			prober := appInstance.Prober()
			if target != "" {
				prober = proxy.NewProber(target, prober.Timeout, appInstance.Logger().Named("proxy_probe"))
			}
			res, err := prober.Check(cmd.Context(), addr)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "probe URL (defaults to proxy.probe_url)")
	return cmd
}
