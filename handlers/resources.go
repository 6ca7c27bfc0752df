// ABOUTME: MCP resource handlers for exposing sync state
// ABOUTME: Provides read-only access to accounts, per-account status, and jobs via mailsync:// URIs
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/models"
)

const uriScheme = "mailsync://"

type ResourceHandlers struct {
	db *sql.DB
}

func NewResourceHandlers(database *sql.DB) *ResourceHandlers {
	return &ResourceHandlers{db: database}
}

// Register adds the resources and templates to server.
func (h *ResourceHandlers) Register(server *mcp.Server) {
	server.AddResource(&mcp.Resource{
		URI:         uriScheme + "accounts",
		Name:        "accounts",
		Description: "Connected accounts and their sync cursors",
		MIMEType:    "application/json",
	}, h.ReadResource)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: uriScheme + "status/{account_id}",
		Name:        "sync-status",
		Description: "Sync status snapshot for every sync type of an account",
		MIMEType:    "application/json",
	}, h.ReadResource)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: uriScheme + "jobs/{job_id}",
		Name:        "sync-job",
		Description: "One sync job with its counters and result",
		MIMEType:    "application/json",
	}, h.ReadResource)
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", uriScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, uriScheme), "/")
	switch {
	case parts[0] == "accounts" && len(parts) == 1:
		accounts, err := db.ListAccounts(ctx, h.db, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch accounts: %w", err)
		}
		return jsonResource(uri, accounts)

	case parts[0] == "status" && len(parts) == 2:
		return h.readStatus(ctx, uri, parts[1])

	case parts[0] == "jobs" && len(parts) == 2:
		job, err := db.GetJob(ctx, h.db, parts[1])
		if errors.Is(err, db.ErrNotFound) {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}
		return jsonResource(uri, job)

	default:
		return nil, mcp.ResourceNotFoundError(uri)
	}
}

func (h *ResourceHandlers) readStatus(ctx context.Context, uri, accountID string) (*mcp.ReadResourceResult, error) {
	if _, err := db.GetAccount(ctx, h.db, accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	statuses := make([]*models.SyncStatus, 0, len(models.AllSyncTypes))
	for _, t := range models.AllSyncTypes {
		s, err := db.GetSyncStatus(ctx, h.db, accountID, t)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s status: %w", t, err)
		}
		statuses = append(statuses, s)
	}
	return jsonResource(uri, statuses)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
