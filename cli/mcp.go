// ABOUTME: MCP server subcommand
// ABOUTME: Serves the sync tools and sync state resources over stdio
package cli

import (
	"context"
	"database/sql"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/handlers"
)

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Start the MCP server on stdio",
		Action: func(c *cli.Context) error {
			env, err := openEnv(c)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := withSignals(c.Context)
			defer stop()

			svc, err := env.service(ctx)
			if err != nil {
				return err
			}

			env.logger.Info("starting MCP server")
			server, syncHandlers := newMCPServer(ctx, env.db, svc, env.logger, c.App.Version)
			err = server.Run(ctx, &mcp.StdioTransport{})
			syncHandlers.Wait()
			return err
		},
	}
}

func newMCPServer(ctx context.Context, database *sql.DB, svc handlers.SyncService, logger *zap.Logger, version string) (*mcp.Server, *handlers.SyncHandlers) {
	syncHandlers := handlers.NewSyncHandlers(ctx, database, svc, logger)
	resourceHandlers := handlers.NewResourceHandlers(database)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mailsync",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_sync",
		Description: "Start an email, calendar, or contacts sync for an account",
	}, syncHandlers.StartSync)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_sync_status",
		Description: "Read the current sync status snapshot for an account and sync type",
	}, syncHandlers.GetSyncStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sync_jobs",
		Description: "List the most recent sync jobs for an account",
	}, syncHandlers.ListSyncJobs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_sync_job",
		Description: "Cancel a stuck sync job and release its lock",
	}, syncHandlers.CancelSyncJob)

	resourceHandlers.Register(server)
	return server, syncHandlers
}
