package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/model"
)

var (
	ingestDistricts []string
	ingestForce     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull all data sources and recompute valuation metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobID, err := env.Coordinator.Run(ctx, ingestDistricts, ingestForce)
		if err != nil {
			return eris.Wrap(err, "start ingestion")
		}
		zap.L().Info("ingestion started",
			zap.String("job_id", jobID),
			zap.Strings("scope", ingestDistricts),
			zap.Bool("force", ingestForce),
		)

		job, err := waitForJob(ctx, env, jobID)
		if err != nil {
			return err
		}

		zap.L().Info("ingestion finished",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
			zap.Int("listings_upserted", job.Counts.ListingsUpserted),
			zap.Int("transactions_added", job.Counts.TransactionsAdded),
			zap.Int("properties_resolved", job.Counts.PropertiesResolved),
			zap.Int("unresolved", job.Counts.Unresolved),
			zap.Int("metrics_recomputed", job.Counts.MetricsRecomputed),
			zap.Int("properties_unchanged", job.Counts.PropertiesUnchanged),
		)
		for _, se := range job.SourceErrors {
			zap.L().Warn("source failed",
				zap.String("source", se.Source),
				zap.Int("attempts", se.Attempts),
				zap.String("error", se.Error),
			)
		}

		if job.State == model.JobFailed {
			return eris.New("ingestion failed, every source errored")
		}
		return nil
	},
}

// waitForJob polls until the job reaches a terminal state. An interrupt
// cancels the job and keeps waiting so in-flight pulls finish cleanly.
func waitForJob(ctx context.Context, env *appEnv, jobID string) (*model.IngestionJob, error) {
	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				zap.L().Info("cancelling ingestion", zap.String("job_id", jobID))
				env.Coordinator.Cancel(context.WithoutCancel(ctx), jobID)
				cancelled = true
			}
		case <-time.After(250 * time.Millisecond):
		}

		job, err := env.Store.GetJob(context.WithoutCancel(ctx), jobID)
		if err != nil {
			return nil, eris.Wrap(err, "poll job")
		}
		if job.State.Terminal() {
			return job, nil
		}
	}
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestDistricts, "district", nil, "postcode district to refresh (repeatable, default all)")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "ignore source freshness windows")
	rootCmd.AddCommand(ingestCmd)
}
