package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/adapters/clock"
	"github.com/artpar/credmeter/adapters/idgen"
	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/domain/credit"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and grant credits",
	Long: `Inspect balances and ledger history, and grant credits manually.

Examples:
  credmeter credits balance user_123
  credmeter credits history user_123
  credmeter credits grant user_123 --amount=500 --description="support credit"`,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id-or-email>",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <user-id-or-email>",
	Short: "Show a user's ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsHistory,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id-or-email>",
	Short: "Grant credits to a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsGrant,
}

var (
	grantAmount      int64
	grantDescription string
	historyLimit     int
)

func init() {
	rootCmd.AddCommand(creditsCmd)

	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
	creditsCmd.AddCommand(creditsGrantCmd)

	creditsGrantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "credits to grant (required)")
	creditsGrantCmd.Flags().StringVar(&grantDescription, "description", "admin grant", "ledger entry description")
	creditsGrantCmd.MarkFlagRequired("amount")

	creditsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "entries to show")
}

func creditService(db *sqlite.DB) *app.CreditService {
	store := sqlite.NewStore(db)
	return app.NewCreditService(store, store.Ledger(), clock.Real{}, idgen.UUID{}, nil, zerolog.Nop())
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	u, err := getUserByIDOrEmail(ctx, db, args[0])
	if err != nil {
		return err
	}

	balance, err := creditService(db).Balance(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	fmt.Printf("%s: %d credits\n", u.ID, balance)
	return nil
}

func runCreditsHistory(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	u, err := getUserByIDOrEmail(ctx, db, args[0])
	if err != nil {
		return err
	}

	entries, total, err := creditService(db).History(ctx, u.ID, historyLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No ledger entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTYPE\tAMOUNT\tBALANCE\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Type, e.Amount, e.Balance, e.Description)
	}
	w.Flush()
	fmt.Printf("\n%d of %d entries\n", len(entries), total)
	return nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	u, err := getUserByIDOrEmail(ctx, db, args[0])
	if err != nil {
		return err
	}
	if grantAmount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	entry, err := creditService(db).Add(ctx, app.AddParams{
		UserID:        u.ID,
		Amount:        grantAmount,
		Type:          credit.TypeAdminGrant,
		Description:   grantDescription,
		ReferenceType: credit.RefAdmin,
	})
	if err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}

	fmt.Printf("Granted %d credits to %s (balance: %d)\n", grantAmount, u.ID, entry.Balance)
	return nil
}
