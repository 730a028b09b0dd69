// Command mcp exposes the billing engine's operations as MCP tools over
// stdio, so an LLM operator assistant can inspect tenants, quote seat
// changes, and file upgrade requests through the same API the console uses.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/condohq/seatbill/internal/mcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := mcpserver.Config{
		APIURL:         os.Getenv("SEATBILL_API_URL"),
		UserID:         os.Getenv("SEATBILL_USER_ID"),
		InternalSecret: os.Getenv("SEATBILL_INTERNAL_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.UserID == "" {
		return fmt.Errorf("SEATBILL_USER_ID is required")
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
