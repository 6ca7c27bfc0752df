// ABOUTME: Account management commands
// ABOUTME: Registers connected accounts and toggles whether scheduled syncs include them
package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Manage connected accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "owning user id", Required: true},
					&cli.StringFlag{Name: "email", Usage: "account email address", Required: true},
					&cli.StringFlag{Name: "external-id", Usage: "credential id at the proxy (generated for direct OAuth)"},
					&cli.StringFlag{Name: "provider", Value: models.ProviderGoogle},
				},
				Action: accountAddAction,
			},
			{
				Name:   "list",
				Usage:  "List accounts",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "active", Usage: "only active accounts"}},
				Action: accountListAction,
			},
			{
				Name:      "deactivate",
				Usage:     "Exclude an account from scheduled syncs",
				ArgsUsage: "<account-id>",
				Action:    func(c *cli.Context) error { return setActive(c, false) },
			},
			{
				Name:      "activate",
				Usage:     "Include an account in scheduled syncs",
				ArgsUsage: "<account-id>",
				Action:    func(c *cli.Context) error { return setActive(c, true) },
			},
		},
	}
}

func accountAddAction(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	externalID := c.String("external-id")
	if externalID == "" {
		externalID = "local_" + uuid.NewString()
	}
	account := &models.Account{
		UserID:            c.String("user"),
		ExternalAccountID: externalID,
		Email:             c.String("email"),
		Provider:          c.String("provider"),
	}
	if err := db.CreateAccount(c.Context, env.db, account); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "✓ Added account %s (%s)\n", account.ID, account.Email)
	if !env.cfg.Fetch.ProxyMode() {
		fmt.Fprintf(c.App.Writer, "Run 'mailsync auth --account %s' to connect Google.\n", account.ID)
	}
	return nil
}

func accountListAction(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	accounts, err := db.ListAccounts(c.Context, env.db, c.Bool("active"))
	if err != nil {
		return err
	}
	fmt.Fprint(c.App.Writer, renderAccounts(accounts, time.Now()))
	return nil
}

func setActive(c *cli.Context, active bool) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("account id is required")
	}
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := db.SetAccountActive(c.Context, env.db, id, active); err != nil {
		return fmt.Errorf("failed to update account %s: %w", id, err)
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(c.App.Writer, "✓ Account %s %s\n", id, state)
	return nil
}
