package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/adapters/hasher"
	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/config"
	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/google/uuid"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
	Long: `Manage credmeter user accounts.

Every account starts on pay-as-you-go billing with the free tier.
Subscription and enterprise changes go through the admin API.

Examples:
  credmeter users list
  credmeter users create --email=dev@example.com
  credmeter users get dev@example.com
  credmeter users tag user_123 --enterprise`,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE:  runUsersList,
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	RunE:  runUsersCreate,
}

var usersGetCmd = &cobra.Command{
	Use:   "get <user-id-or-email>",
	Short: "Get user details",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersGet,
}

var usersTagCmd = &cobra.Command{
	Use:   "tag <user-id-or-email>",
	Short: "Toggle the enterprise override tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersTag,
}

var (
	userEmail      string
	userName       string
	userPassword   string
	userEnterprise bool
)

func init() {
	rootCmd.AddCommand(usersCmd)

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersCreateCmd)
	usersCmd.AddCommand(usersGetCmd)
	usersCmd.AddCommand(usersTagCmd)

	usersCreateCmd.Flags().StringVar(&userEmail, "email", "", "user email (required)")
	usersCreateCmd.Flags().StringVar(&userName, "name", "", "user name")
	usersCreateCmd.Flags().StringVar(&userPassword, "password", "", "user password (optional)")
	usersCreateCmd.MarkFlagRequired("email")

	usersTagCmd.Flags().BoolVar(&userEnterprise, "enterprise", true, "grant (true) or revoke (false) the override")
}

func runUsersList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	userStore := sqlite.NewUserStore(db)
	users, err := userStore.List(context.Background(), 1000, 0)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users found.")
		fmt.Println()
		fmt.Println("Create a user with: credmeter users create --email=dev@example.com")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tBILLING\tTIER\tTAGS")
	fmt.Fprintln(w, "--\t-----\t-------\t----\t----")
	for _, u := range users {
		tags := ""
		for _, t := range u.Tags.List() {
			if tags != "" {
				tags += ","
			}
			tags += string(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.BillingMode, u.EffectiveTier(), tags)
	}
	return w.Flush()
}

func runUsersCreate(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	userStore := sqlite.NewUserStore(db)

	if _, err := userStore.GetByEmail(ctx, userEmail); err == nil {
		return fmt.Errorf("user with email %s already exists", userEmail)
	}

	now := time.Now().UTC()
	u := account.User{
		ID:          "user_" + uuid.New().String(),
		Email:       userEmail,
		Name:        userName,
		BillingMode: account.ModePayAsYouGo,
		Tier:        entitlement.TierFree,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if userPassword != "" {
		hash, err := hasher.NewBcrypt(0).Hash(userPassword)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		u.PasswordHash = hash
	}

	if err := userStore.Create(ctx, u); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("Created user %s (%s)\n", u.ID, u.Email)
	return nil
}

func runUsersGet(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := getUserByIDOrEmail(context.Background(), db, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", u.ID)
	fmt.Printf("Email:        %s\n", u.Email)
	if u.Name != "" {
		fmt.Printf("Name:         %s\n", u.Name)
	}
	fmt.Printf("Billing mode: %s\n", u.BillingMode)
	fmt.Printf("Tier:         %s\n", u.EffectiveTier())
	if len(u.Tags) > 0 {
		fmt.Printf("Tags:         %v\n", u.Tags.List())
	}
	if u.Allowance.Active {
		fmt.Printf("Allowance:    %d/day, used %d\n", u.Allowance.DailyQuota, u.Allowance.QuotaUsed)
	}
	fmt.Printf("Created:      %s\n", u.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runUsersTag(cmd *cobra.Command, args []string) error {
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

	if u.Tags == nil {
		u.Tags = account.TagSet{}
	}
	if userEnterprise {
		u.Tags[account.TagEnterpriseUnlimited] = struct{}{}
	} else {
		delete(u.Tags, account.TagEnterpriseUnlimited)
	}
	u.UpdatedAt = time.Now().UTC()

	if err := sqlite.NewUserStore(db).Update(ctx, u); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	if userEnterprise {
		fmt.Printf("Granted enterprise override to %s\n", u.ID)
	} else {
		fmt.Printf("Revoked enterprise override from %s\n", u.ID)
	}
	return nil
}

// getUserByIDOrEmail retrieves a user by ID or email address.
func getUserByIDOrEmail(ctx context.Context, db *sqlite.DB, idOrEmail string) (account.User, error) {
	store := sqlite.NewUserStore(db)
	if u, err := store.Get(ctx, idOrEmail); err == nil {
		return u, nil
	}
	u, err := store.GetByEmail(ctx, idOrEmail)
	if err != nil {
		return account.User{}, fmt.Errorf("user %s not found", idOrEmail)
	}
	return u, nil
}

func openDatabase() (*sqlite.DB, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}
