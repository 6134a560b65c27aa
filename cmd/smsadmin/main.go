package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danilovkiri/dk-go-smsbroker/internal/app"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/admin"
	"github.com/spf13/cobra"
)

var (
	databaseDSN string
	sqlitePath  string
)

var rootCmd = &cobra.Command{
	Use:   "smsadmin",
	Short: "Administer quotas, allow-lists, purchase tokens and mappings",
	Long: `smsadmin runs the same administrative commands as the chat bot directly
against the broker's database. ADMIN_ID must be set, commands run as that principal.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&databaseDSN, "dsn", "d", "", "PSQL DB connection DSN (overrides DATABASE_URI)")
	rootCmd.PersistentFlags().StringVarP(&sqlitePath, "sqlite", "s", "", "SQLite DB file (overrides SQLITE_PATH)")
	rootCmd.AddCommand(
		command(admin.Grant, "grant <login> <n>", "Raise a user's quota by n"),
		command(admin.Allow, "allow <login> <service> <country>", "Enable a (service, country) pair for a user"),
		command(admin.Deny, "deny <login> <service> <country>", "Disable a (service, country) pair for a user"),
		command(admin.Mint, "mint <service> <country>", "Issue a single-use purchase token"),
		command(admin.Balance, "balance <login>", "Show a user's quota and enabled pairs"),
		command(admin.Map, "map <service|country> <frontend_id> <provider_id>", "Set an identifier mapping"),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// command builds a subcommand that dispatches name with its positional arguments.
func command(name admin.Name, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(admin.Arity(name)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, admin.Command{Name: name, Args: args})
		},
	}
}

func run(ctx context.Context, cmd *cobra.Command, c admin.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.NewConfiguration()
	if err != nil {
		return err
	}
	if databaseDSN != "" {
		cfg.StorageConfig.DatabaseDSN = databaseDSN
	}
	if sqlitePath != "" {
		cfg.StorageConfig.SQLitePath = sqlitePath
	}
	if cfg.StorageConfig.DatabaseDSN == "" && cfg.StorageConfig.SQLitePath == "" {
		cfg.StorageConfig.SQLitePath = "smsbroker.db"
	}
	log := logger.InitLog(cfg.ServerConfig.LogLevel)
	a, err := app.Init(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	reply, err := a.Dispatcher.Dispatch(ctx, cfg.BotConfig.AdminID, c)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
