package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the console is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]string
		if err := getJSON("/ping", &out); err != nil {
			return err
		}
		fmt.Println(out["msg"])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster roll-up status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := getJSON("/cloud/cluster_status", &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List worker instances (the dashboard feed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Instances []map[string]interface{} `json:"instances"`
		}
		if err := getJSON("/cloud/instance_feed_json", &out); err != nil {
			return err
		}
		if len(out.Instances) == 0 {
			fmt.Println("no worker instances")
			return nil
		}
		for _, inst := range out.Instances {
			fmt.Printf("%-14v %-14v %-10v ld=%v t=%vs\n",
				inst["id"], inst["instance_state"], inst["worker_status"],
				inst["ld"], inst["time_in_state"])
		}
		return nil
	},
}
