// MCP server standalone entrypoint.
// This is a convenience binary that only serves a saved assessment.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/mcpserver"
	jsonreport "github.com/PiotrMackowski/ClosedCSPM/internal/report/json"
	"github.com/PiotrMackowski/ClosedCSPM/policies"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: closedcspm-mcp <assessment.json> [catalog.json]")
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read assessment: %v", err)
	}
	report, err := jsonreport.Read(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to parse assessment: %v", err)
	}

	// Without a remote catalog the tools answer from the given file or the
	// built-in baseline.
	var src catalog.Source = catalog.NewStaticSource(policies.BaselineCatalog, catalog.OriginFallback)
	if len(os.Args) > 2 {
		src = catalog.NewFileSource(os.Args[2])
	}
	cache := catalog.NewCache(nil, catalog.DefaultCacheConfig(), catalog.WithFallback(src))

	log.Printf("Loaded %d findings (Score: %.1f, %s) from %d phases",
		len(report.AllFindings), report.OverallScore, report.Rating, len(report.Phases))

	mcpSrv := mcpserver.NewMCPServer(&mcpserver.Data{
		Assessment: report.Assessment,
		Catalog:    cache,
	})

	log.Println("Starting ClosedCSPM MCP server on stdio...")
	if err := server.ServeStdio(mcpSrv); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}
