package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/events"
	"github.com/junovale/clusterdash/internal/models"
)

var (
	reportNATSURL string
	reportStatus  string
	reportLoad    string
	reportCPUs    int
	reportSlots   int
)

// report publishes a synthetic worker status message on the worker
// channel. Handy for exercising the console without real workers.
var reportCmd = &cobra.Command{
	Use:   "report <instance-id>",
	Short: "Publish a worker status report on the worker channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, err := events.Connect(reportNATSURL, zap.NewNop())
		if err != nil {
			return fmt.Errorf("connect to %s: %w", reportNATSURL, err)
		}
		defer bus.Close()

		rep := models.WorkerReport{
			ID:           args[0],
			WorkerStatus: models.WorkerStatus(reportStatus),
			Load:         reportLoad,
			NumCPUs:      reportCPUs,
			UsedSlots:    reportSlots,
		}
		if rep.WorkerStatus == models.WorkerReady {
			rep.NFSData, rep.NFSTools, rep.NFSIndices, rep.NFSSGE = 1, 1, 1, 1
			rep.GetCert, rep.SGEStarted = 1, 1
		}
		if err := bus.PublishWorkerReport(context.Background(), rep); err != nil {
			return err
		}
		fmt.Printf("reported %s as %s\n", rep.ID, rep.WorkerStatus)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportNATSURL, "nats", "nats://localhost:4222", "NATS URL")
	reportCmd.Flags().StringVar(&reportStatus, "status", string(models.WorkerReady),
		"worker status label (Pending, Wake, Startup, Ready, Stopping, Error)")
	reportCmd.Flags().StringVar(&reportLoad, "load", "0.10 0.05 0.01", "load average triple")
	reportCmd.Flags().IntVar(&reportCPUs, "cpus", 1, "CPU count")
	reportCmd.Flags().IntVar(&reportSlots, "slots", 0, "scheduler slots in use")
}
