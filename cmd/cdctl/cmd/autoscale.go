package cmd

import (
	"github.com/spf13/cobra"
)

var (
	asMin  int
	asMax  int
	asType string
)

var autoscaleCmd = &cobra.Command{
	Use:   "autoscale",
	Short: "Control autoscaling",
}

var autoscaleToggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Turn autoscaling on (with limits) or off",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		body := map[string]interface{}{
			"as_min":        asMin,
			"as_max":        asMax,
			"instance_type": asType,
		}
		if err := postJSON("/cloud/toggle_autoscaling", body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var autoscaleAdjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Adjust autoscaling limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		body := map[string]interface{}{"as_min": asMin, "as_max": asMax}
		if err := postJSON("/cloud/adjust_autoscaling", body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	autoscaleCmd.PersistentFlags().IntVar(&asMin, "min", 1, "minimum workers")
	autoscaleCmd.PersistentFlags().IntVar(&asMax, "max", 4, "maximum workers")
	autoscaleToggleCmd.Flags().StringVar(&asType, "type", "", "worker instance type")
	autoscaleCmd.AddCommand(autoscaleToggleCmd)
	autoscaleCmd.AddCommand(autoscaleAdjustCmd)
}
