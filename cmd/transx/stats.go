package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sushant-115/transx/config/certs"
	"github.com/sushant-115/transx/internal/admin"
)

func newStatsCommand(v *viper.Viper) *cobra.Command {
	var caFile, certFile, keyFile string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pool and recovery statistics of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			scheme := "http"
			if certFile != "" {
				tlsCfg, err := certs.ClientTLSConfig(caFile, certFile, keyFile)
				if err != nil {
					return err
				}
				client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
				scheme = "https"
			}
			views, err := fetchResources(cmd, client, fmt.Sprintf("%s://%s/v1/resources", scheme, cfg.Admin.Addr))
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), views, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&caFile, "ca", "", "CA certificate of the admin endpoint")
	cmd.Flags().StringVar(&certFile, "cert", "", "client certificate for mutual TLS")
	cmd.Flags().StringVar(&keyFile, "key", "", "client key for mutual TLS")
	return cmd
}

func fetchResources(cmd *cobra.Command, client *http.Client, url string) ([]admin.ResourceView, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	var views []admin.ResourceView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return views, nil
}

func printStats(w io.Writer, views []admin.ResourceView, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tXA\tREADY\tFREE\tIN-USE\tENLISTED\tTOTAL\tMAX\tLAST RECOVERY")
	for _, v := range views {
		last := "never"
		if v.Recovery != nil && !v.Recovery.Finished.IsZero() {
			last = humanize.RelTime(v.Recovery.Finished, now, "ago", "from now")
			if v.Recovery.Error != "" {
				last += " (failed)"
			}
		}
		t := v.Totals
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Name, v.XA, v.Recovered,
			humanize.Comma(int64(t.Free)), humanize.Comma(int64(t.InUse)), humanize.Comma(int64(t.Enlisted)),
			humanize.Comma(int64(t.Total)), humanize.Comma(int64(t.Max)), last)
	}
	_ = tw.Flush()
}
