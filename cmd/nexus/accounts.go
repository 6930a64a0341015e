package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/config"
	"github.com/pysugar/nexus-scheduler/internal/db"
	"github.com/spf13/cobra"
)

func newAccountsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect linked accounts",
	}
	cmd.AddCommand(newAccountsListCmd(configPath))
	return cmd
}

func newAccountsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts stored in the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			database, err := db.InitDB(cfg.Database.Path, false)
			if err != nil {
				return err
			}
			accounts, err := db.NewAccountRepository(database).LoadAccounts(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tTIER\tQUOTA\tSTATE\tEXPIRES")
			now := time.Now()
			for _, acc := range accounts {
				state := "active"
				switch {
				case acc.Disabled:
					state = "disabled: " + acc.DisabledReason
				case acc.Forbidden():
					state = "forbidden"
				case acc.ProxyDisabled:
					state = "proxy off"
				}
				expires := "expired"
				if acc.Token.ExpiresAt.After(now) {
					expires = acc.Token.ExpiresAt.Sub(now).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
					acc.ID, acc.Email, acc.Tier(), acc.Quota.Remaining(), state, expires)
			}
			return w.Flush()
		},
	}
}
