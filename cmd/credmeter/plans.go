package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/adapters/sqlite"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List subscription plans",
	Long: `List the subscription plans known to the store.

Plans are seeded from the config file on serve; edit the config and
restart (or SIGHUP) to change them.`,
	RunE: runPlansList,
}

func init() {
	rootCmd.AddCommand(plansCmd)
}

func runPlansList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	plans, err := sqlite.NewPlanStore(db).List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}
	if len(plans) == 0 {
		fmt.Println("No plans found. Add plans to the config file and run serve.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIER\tDAILY QUOTA\tPRICE\tCYCLE\tENABLED")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t%s\t%t\n",
			p.ID, p.Name, p.Tier, p.DailyQuota, float64(p.PriceCents)/100, p.BillingCycle, p.Enabled)
	}
	return w.Flush()
}
