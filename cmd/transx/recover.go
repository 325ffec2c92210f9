package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/core/registry"
	"github.com/sushant-115/transx/internal/txmanager"
	"github.com/sushant-115/transx/pkg/logger"
	"github.com/sushant-115/transx/pkg/managed"
)

func newRecoverCommand(v *viper.Viper) *cobra.Command {
	var (
		decisions string
		only      []string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass over the configured XA resources and exit",
		Long: `recover scans every XA resource for prepared branches and completes them:
branches with a decision in the decisions file are committed or rolled back
accordingly, all others are rolled back as orphans.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if decisions != "" {
				cfg.Recovery.DecisionsFile = decisions
			}
			log, err := logger.New(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			tm := txmanager.New(txmanager.WithLogger(log))
			if cfg.Recovery.DecisionsFile != "" {
				if _, err := tm.LoadDecisions(cfg.Recovery.DecisionsFile); err != nil {
					return err
				}
			}

			// Pools stay empty: recovery uses its own connections.
			keep := cfg.Resources[:0]
			for _, rc := range cfg.Resources {
				if !rc.XATransactions || (len(only) > 0 && !contains(only, rc.Name)) {
					continue
				}
				rc.MinSize = 0
				keep = append(keep, rc)
			}
			cfg.Resources = keep

			reg := registry.New(log)
			coord := recovery.New(reg, tm, cfg.Recovery.Coordinator(),
				recovery.WithLogger(log), recovery.WithNotifier(orphanLogger(log)))
			resources, err := openResources(cmd.Context(), cfg, tm, log, managed.WithRegistry(reg))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = closeResources(ctx, resources, log)
			}()

			rep := coord.Recover(cmd.Context())
			printReport(cmd.OutOrStdout(), rep)
			if failed := rep.Failed(); len(failed) > 0 {
				log.Error("Recovery incomplete", zap.Strings("resources", failed))
				return fmt.Errorf("recovery failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&decisions, "decisions", "", "YAML file of recorded outcomes (decisions: {<hex gtrid>: commit|rollback})")
	cmd.Flags().StringSliceVar(&only, "resource", nil, "limit recovery to these resources")
	return cmd
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var reportOutcomes = []recovery.Outcome{
	recovery.OutcomeCommitted,
	recovery.OutcomeRolledBack,
	recovery.OutcomeOrphaned,
	recovery.OutcomeAlreadyCompleted,
	recovery.OutcomeHeuristic,
	recovery.OutcomeSkipped,
	recovery.OutcomeFailed,
}

func printReport(w io.Writer, rep recovery.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "RESOURCE\tATTEMPTS\tIN-DOUBT")
	for _, o := range reportOutcomes {
		fmt.Fprintf(tw, "\t%s", strings.ToUpper(string(o)))
	}
	fmt.Fprintln(tw, "\tERROR")
	for _, rr := range rep.Resources {
		fmt.Fprintf(tw, "%s\t%d\t%s", rr.Resource, rr.Attempts, humanize.Comma(int64(rr.Scanned)))
		for _, o := range reportOutcomes {
			fmt.Fprintf(tw, "\t%s", humanize.Comma(int64(rr.Count(o))))
		}
		errText := "-"
		if rr.Err != nil {
			errText = rr.Err.Error()
		}
		fmt.Fprintf(tw, "\t%s\n", errText)
	}
	_ = tw.Flush()
}
