// ABOUTME: Tool catalog: discovery, name resolution and usage accounting
// ABOUTME: Discovery replaces a server's cached tool set wholesale, never merges

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

// Catalog maintains the per-server tool cache.
type Catalog struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Catalog backed by the given store.
func New(st store.Store) *Catalog {
	return &Catalog{
		store:  st,
		logger: slog.Default().With("component", "catalog"),
	}
}

// Discover fetches the server's current tool list over its transport and
// replaces the cached set transactionally. Tool schemas can change between
// discoveries, so a partial merge would leave misleading stale entries.
func (c *Catalog) Discover(ctx context.Context, serverID string, tr transport.Transport) (int, error) {
	resp, err := tr.Send(ctx, protocol.NewRequest(protocol.MethodListTools, map[string]any{}))
	if err != nil {
		return 0, fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("tools/list: %w", resp.Error)
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("decoding tools/list result: %w", err)
	}

	tools := make([]store.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, store.Tool{
			ID:          uuid.New().String(),
			ServerID:    serverID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	if err := c.store.ReplaceServerTools(ctx, serverID, tools); err != nil {
		return 0, err
	}
	if err := c.store.UpdateServerToolInfo(ctx, serverID, len(tools), time.Now().UTC()); err != nil {
		c.logger.Warn("updating server tool info failed", "server_id", serverID, "error", err)
	}

	c.logger.Info("tools discovered", "server_id", serverID, "count", len(tools))
	return len(tools), nil
}

// List returns the cached tools for one server.
func (c *Catalog) List(ctx context.Context, serverID string) ([]*store.Tool, error) {
	return c.store.ListServerTools(ctx, serverID)
}

// FindByName resolves a tool name for a user. When serverID is empty, the
// user's own servers are preferred over system servers carrying the same
// tool name.
func (c *Catalog) FindByName(ctx context.Context, userID, toolName, serverID string) (*store.ToolWithServer, error) {
	return c.store.FindToolByName(ctx, userID, toolName, serverID)
}

// RecordUsage bumps the usage counter; failures are logged, not propagated,
// since usage accounting is observability only.
func (c *Catalog) RecordUsage(ctx context.Context, serverID, toolName string) {
	if err := c.store.RecordToolUsage(ctx, serverID, toolName); err != nil {
		c.logger.Warn("recording tool usage failed",
			"server_id", serverID, "tool", toolName, "error", err)
	}
}
