package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	addCount     int
	addType      string
	addSpotPrice string
)

var addNodesCmd = &cobra.Command{
	Use:   "add-nodes",
	Short: "Launch worker instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Added []string `json:"added"`
		}
		body := map[string]interface{}{
			"number_nodes":  addCount,
			"instance_type": addType,
			"spot_price":    addSpotPrice,
		}
		if err := postJSON("/cloud/add_instances", body, &out); err != nil {
			return err
		}
		for _, id := range out.Added {
			fmt.Println(id)
		}
		return nil
	},
}

var (
	removeCount int
	removeForce bool
)

var removeNodesCmd = &cobra.Command{
	Use:   "remove-nodes",
	Short: "Terminate worker instances (idle first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Removed int `json:"removed"`
		}
		body := map[string]interface{}{
			"number_nodes": removeCount,
			"force":        removeForce,
		}
		if err := postJSON("/cloud/remove_instances", body, &out); err != nil {
			return err
		}
		fmt.Printf("removed %d\n", out.Removed)
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot <instance-id>",
	Short: "Reboot one worker instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"instance_id": args[0]}
		if err := postJSON("/cloud/reboot_instance", body, nil); err != nil {
			return err
		}
		fmt.Printf("rebooting %s\n", args[0])
		return nil
	},
}

func init() {
	addNodesCmd.Flags().IntVarP(&addCount, "count", "n", 1, "number of nodes")
	addNodesCmd.Flags().StringVarP(&addType, "type", "t", "", "instance type")
	addNodesCmd.Flags().StringVar(&addSpotPrice, "spot-price", "", "spot bid; empty for on-demand")
	removeNodesCmd.Flags().IntVarP(&removeCount, "count", "n", 1, "number of nodes")
	removeNodesCmd.Flags().BoolVar(&removeForce, "force", false, "terminate busy nodes too")
}
