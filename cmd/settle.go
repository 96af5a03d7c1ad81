package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mining-settlement/config"
	"mining-settlement/core"
)

var settleCadence string
var settleCmd = &cobra.Command{
	Use:          "settle",
	Short:        "Run one settlement pass for a cadence and exit",
	RunE:         settleCmdF,
	SilenceUsage: true,
}

var partitionsCmd = &cobra.Command{
	Use:          "partitions",
	Short:        "Create upcoming payhash partitions and drop expired ones",
	RunE:         partitionsCmdF,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(settleCmd, partitionsCmd)
	settleCmd.Flags().StringVar(&settleCadence, "cadence", config.CadencePayment, "payment, hourly_delta or daily_delta")
}

func openServer(cmd *cobra.Command) (*core.Server, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := initLogger(cfg.Logger); err != nil {
		return nil, err
	}
	return core.NewServer(cfg)
}

func settleCmdF(cmd *cobra.Command, args []string) error {
	server, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer server.Close()

	machine := server.Machine(settleCadence)
	if machine == nil {
		return fmt.Errorf("no enabled account settles by %q", settleCadence)
	}
	ctx := context.Background()
	if err := server.Prepare(ctx); err != nil {
		return err
	}
	stats, err := machine.Run(ctx)
	if err != nil {
		return err
	}
	log.Infof("Settled %d of %d windows (%d skipped, %d failed), distributed %s",
		stats.Settled, stats.Windows, stats.Skipped, stats.Failed, stats.Distributed)
	return nil
}

func partitionsCmdF(cmd *cobra.Command, args []string) error {
	server, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer server.Close()

	res, err := server.Rotate(context.Background())
	if err != nil {
		return err
	}
	for _, day := range res.Created {
		log.Infof("Created partition for %s", day.Format("2006-01-02"))
	}
	for _, day := range res.Dropped {
		log.Infof("Dropped partition for %s (%s)", day.Format("2006-01-02"), humanize.Time(day))
	}
	return nil
}
