package tool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

// ProbeBackends opens a throwaway session per backend, concurrently, and
// reports whether each one answered. Results keep configuration order.
func ProbeBackends(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) []domain.BackendStatus {
	return probeBackends(ctx, servers, logger, dial)
}

func probeBackends(ctx context.Context, servers []config.MCPServer, logger *slog.Logger, d dialFunc) []domain.BackendStatus {
	out := make([]domain.BackendStatus, len(servers))

	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = probeOne(ctx, srv, d)
			if !out[i].Healthy {
				logger.Warn("mcp backend unhealthy", "backend", srv.Name, "error", out[i].Error)
			}
		}()
	}
	wg.Wait()
	return out
}

func probeOne(ctx context.Context, srv config.MCPServer, d dialFunc) domain.BackendStatus {
	c, err := d(ctx, srv)
	if err != nil {
		return domain.BackendStatus{Name: srv.Name, Error: err.Error()}
	}
	defer c.Close()

	if err := initialize(ctx, c); err != nil {
		return domain.BackendStatus{Name: srv.Name, Error: err.Error()}
	}
	return probe(ctx, srv.Name, c, srv.PromptOnly)
}

func probe(ctx context.Context, name string, c mcpClient, promptOnly bool) domain.BackendStatus {
	if promptOnly {
		if err := c.Ping(ctx); err != nil {
			return domain.BackendStatus{Name: name, Error: err.Error()}
		}
		return domain.BackendStatus{Name: name, Healthy: true}
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return domain.BackendStatus{Name: name, Error: err.Error()}
	}
	return domain.BackendStatus{Name: name, Healthy: true, Tools: len(res.Tools)}
}
