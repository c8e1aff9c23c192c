// Package mcpserver implements the MCP server for AI-assisted analysis of
// compliance assessments.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/orchestrator"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

const (
	// maxQueryLimit caps the number of records returned per query to prevent
	// excessive memory use / output size from MCP tool calls.
	maxQueryLimit = 500

	// defaultQueryLimit is the default number of records returned.
	defaultQueryLimit = 50

	// maxInputLength caps generic string input length for MCP parameters.
	maxInputLength = 256
)

// Data holds what the MCP tools query. Assessment and Catalog may each be
// nil; the tools that need them report an error instead.
type Data struct {
	Assessment *orchestrator.Assessment
	Catalog    *catalog.Cache
	Enricher   *remediation.Enricher
}

// NewMCPServer creates a new MCP server with all assessment tools registered.
func NewMCPServer(data *Data) *server.MCPServer {
	if data.Enricher == nil {
		data.Enricher = remediation.NewEnricher(nil, nil, nil)
	}
	s := server.NewMCPServer(
		"ClosedCSPM",
		"0.2.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	registerTools(s, data)
	registerResources(s, data)

	return s
}

func registerTools(s *server.MCPServer, data *Data) {
	s.AddTool(
		mcp.NewTool("list_findings",
			mcp.WithDescription("List assessment findings. Optionally filter by severity, compliance status, finding type or phase."),
			mcp.WithString("severity",
				mcp.Description("Filter by severity: Critical, High, Medium, Low, Informational"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by compliance status (e.g. NonCompliant, ManualReviewRequired)"),
			),
			mcp.WithString("type",
				mcp.Description("Filter by finding type (e.g. Encryption, AccessControl, Secret)"),
			),
			mcp.WithString("phase",
				mcp.Description("Only list findings of this assessment phase"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Max number of findings to return (default 50, max 500)"),
			),
		),
		listFindingsHandler(data),
	)

	s.AddTool(
		mcp.NewTool("get_finding",
			mcp.WithDescription("Get detailed information about a specific finding, including its remediation classification."),
			mcp.WithString("finding_id",
				mcp.Required(),
				mcp.Description("The finding ID"),
			),
		),
		getFindingHandler(data),
	)

	s.AddTool(
		mcp.NewTool("get_summary",
			mcp.WithDescription("Get the assessment summary: overall score, rating, risk profile, phase scores and severity counts."),
		),
		getSummaryHandler(data),
	)

	s.AddTool(
		mcp.NewTool("suggest_remediation",
			mcp.WithDescription("Get the remediation actions and runbook for a specific finding."),
			mcp.WithString("finding_id",
				mcp.Required(),
				mcp.Description("The finding ID to get remediation for"),
			),
		),
		suggestRemediationHandler(data),
	)

	s.AddTool(
		mcp.NewTool("classify_finding",
			mcp.WithDescription("Classify an arbitrary finding: is it auto-remediable, how complex is the fix and which actions apply."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Finding title")),
			mcp.WithString("severity", mcp.Required(), mcp.Description("Critical, High, Medium, Low or Informational")),
			mcp.WithString("status", mcp.Description("Compliance status (default NonCompliant)")),
			mcp.WithString("type", mcp.Description("Finding type (default Other)")),
			mcp.WithString("resource_type", mcp.Description("Resource type, e.g. Microsoft.Storage/storageAccounts")),
			mcp.WithString("controls", mcp.Description("Comma-separated control ids, e.g. SC-8,SC-28")),
		),
		classifyFindingHandler(data),
	)

	s.AddTool(
		mcp.NewTool("get_control",
			mcp.WithDescription("Look up a control of the catalog by id (e.g. AC-2 or ac-2(1))."),
			mcp.WithString("control_id",
				mcp.Required(),
				mcp.Description("The control id"),
			),
		),
		getControlHandler(data),
	)

	s.AddTool(
		mcp.NewTool("search_controls",
			mcp.WithDescription("Search catalog controls by id, title or statement text, or list a whole family."),
			mcp.WithString("query", mcp.Description("Case-insensitive search term")),
			mcp.WithString("family", mcp.Description("Family prefix, e.g. AC")),
			mcp.WithNumber("limit", mcp.Description("Max number of controls to return (default 50, max 500)")),
		),
		searchControlsHandler(data),
	)
}

func registerResources(s *server.MCPServer, data *Data) {
	if data.Assessment != nil {
		s.AddResource(
			mcp.NewResource(
				"closedcspm://summary",
				"Assessment Summary",
				mcp.WithResourceDescription("Overall compliance posture summary"),
				mcp.WithMIMEType("application/json"),
			),
			func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				summaryJSON, _ := json.MarshalIndent(summaryOf(data.Assessment), "", "  ")
				return []mcp.ResourceContents{
					mcp.TextResourceContents{
						URI:      "closedcspm://summary",
						MIMEType: "application/json",
						Text:     string(summaryJSON),
					},
				}, nil
			},
		)
	}

	if data.Catalog != nil {
		s.AddResource(
			mcp.NewResource(
				"closedcspm://catalog/meta",
				"Catalog Metadata",
				mcp.WithResourceDescription("Version, origin and families of the control catalog"),
				mcp.WithMIMEType("application/json"),
			),
			func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				res := data.Catalog.Catalog(ctx, false)
				meta := map[string]interface{}{
					"source": res.Source,
					"stale":  res.Stale,
				}
				if res.Catalog != nil {
					meta["version"] = res.Catalog.Version
					meta["origin"] = res.Catalog.Origin
					meta["controls"] = res.Catalog.Len()
					meta["families"] = res.Catalog.Families()
				}
				metaJSON, _ := json.MarshalIndent(meta, "", "  ")
				return []mcp.ResourceContents{
					mcp.TextResourceContents{
						URI:      "closedcspm://catalog/meta",
						MIMEType: "application/json",
						Text:     string(metaJSON),
					},
				}, nil
			},
		)
	}
}

// --- Tool Handlers ---

func listFindingsHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if data.Assessment == nil {
			return mcp.NewToolResultError("no assessment loaded"), nil
		}

		var severity finding.Severity
		if s := strings.TrimSpace(req.GetString("severity", "")); s != "" {
			parsed, ok := finding.ParseSeverity(s)
			if !ok {
				return mcp.NewToolResultError(
					fmt.Sprintf("invalid severity %q; allowed values: Critical, High, Medium, Low, Informational", s),
				), nil
			}
			severity = parsed
		}
		status := strings.TrimSpace(req.GetString("status", ""))
		typ := strings.TrimSpace(req.GetString("type", ""))
		phase := strings.TrimSpace(req.GetString("phase", ""))
		if len(status) > maxInputLength || len(typ) > maxInputLength || len(phase) > maxInputLength {
			return mcp.NewToolResultError("filter exceeds maximum length"), nil
		}

		source := data.Assessment.AllFindings
		if phase != "" {
			result, ok := data.Assessment.Phases[phase]
			if !ok {
				return mcp.NewToolResultError(
					fmt.Sprintf("phase %q not found. Available phases: %s", phase, strings.Join(data.Assessment.PhaseOrder, ", ")),
				), nil
			}
			source = result.Findings
		}

		limit := int(req.GetFloat("limit", float64(defaultQueryLimit)))
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}

		var filtered []remediation.Enriched
		for _, f := range source {
			if severity != "" && f.Severity != severity {
				continue
			}
			if status != "" && !strings.EqualFold(string(f.ComplianceStatus), status) {
				continue
			}
			if typ != "" && !strings.EqualFold(string(f.FindingType), typ) {
				continue
			}
			filtered = append(filtered, f)
		}

		sort.SliceStable(filtered, func(i, j int) bool {
			return finding.SeverityOrder(filtered[i].Severity) < finding.SeverityOrder(filtered[j].Severity)
		})

		type findingSummary struct {
			ID               string           `json:"id"`
			Title            string           `json:"title"`
			Severity         finding.Severity `json:"severity"`
			Status           finding.Status   `json:"status"`
			Type             finding.Type     `json:"type"`
			Resource         string           `json:"resource"`
			Controls         []string         `json:"controls"`
			IsAutoRemediable bool             `json:"is_auto_remediable"`
		}

		total := len(filtered)
		if len(filtered) > limit {
			filtered = filtered[:limit]
		}
		summaries := make([]findingSummary, len(filtered))
		for i, f := range filtered {
			summaries[i] = findingSummary{
				ID:               f.ID,
				Title:            f.Title,
				Severity:         f.Severity,
				Status:           f.ComplianceStatus,
				Type:             f.FindingType,
				Resource:         f.ResourceID,
				Controls:         f.AffectedControls,
				IsAutoRemediable: f.IsAutoRemediable,
			}
		}

		result, _ := json.MarshalIndent(map[string]interface{}{
			"count":    len(summaries),
			"total":    total,
			"findings": summaries,
		}, "", "  ")

		return mcp.NewToolResultText(string(result)), nil
	}
}

// lookupFinding resolves the finding_id argument against the assessment.
func lookupFinding(data *Data, req mcp.CallToolRequest) (remediation.Enriched, *mcp.CallToolResult) {
	findingID, err := req.RequireString("finding_id")
	if err != nil {
		return remediation.Enriched{}, mcp.NewToolResultError(err.Error())
	}
	if len(findingID) > maxInputLength {
		return remediation.Enriched{}, mcp.NewToolResultError("finding_id exceeds maximum length")
	}
	if data.Assessment == nil {
		return remediation.Enriched{}, mcp.NewToolResultError("no assessment loaded")
	}
	f, ok := data.Assessment.Finding(findingID)
	if !ok {
		return remediation.Enriched{}, mcp.NewToolResultError(fmt.Sprintf("finding %q not found", findingID))
	}
	return f, nil
}

func getFindingHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f, errResult := lookupFinding(data, req)
		if errResult != nil {
			return errResult, nil
		}
		result, _ := json.MarshalIndent(f, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

type phaseSummary struct {
	Domain string              `json:"domain"`
	Score  float64             `json:"score"`
	Status orchestrator.Status `json:"status"`
	Passed int                 `json:"passed"`
	Total  int                 `json:"total"`
	Error  string              `json:"error,omitempty"`
}

type assessmentSummary struct {
	ID               string                   `json:"id"`
	Scope            string                   `json:"scope"`
	Status           orchestrator.Status      `json:"status"`
	OverallScore     float64                  `json:"overall_score"`
	Rating           string                   `json:"rating"`
	RiskProfile      orchestrator.RiskProfile `json:"risk_profile"`
	ExecutiveSummary string                   `json:"executive_summary"`
	Summary          finding.Summary          `json:"summary"`
	Phases           []phaseSummary           `json:"phases"`
}

func summaryOf(a *orchestrator.Assessment) assessmentSummary {
	out := assessmentSummary{
		ID:               a.ID,
		Scope:            a.Scope.String(),
		Status:           a.Status,
		OverallScore:     a.OverallScore,
		Rating:           orchestrator.Rating(a.OverallScore),
		RiskProfile:      a.RiskProfile,
		ExecutiveSummary: a.ExecutiveSummary,
		Summary:          finding.NewSummary(a.Findings()),
	}
	for _, domain := range a.PhaseOrder {
		p := a.Phases[domain]
		out.Phases = append(out.Phases, phaseSummary{
			Domain: domain,
			Score:  p.Score,
			Status: p.Status,
			Passed: p.Passed,
			Total:  p.Total,
			Error:  p.Error,
		})
	}
	return out
}

func getSummaryHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if data.Assessment == nil {
			return mcp.NewToolResultError("no assessment loaded"), nil
		}
		result, _ := json.MarshalIndent(summaryOf(data.Assessment), "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func suggestRemediationHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f, errResult := lookupFinding(data, req)
		if errResult != nil {
			return errResult, nil
		}

		remediationInfo := map[string]interface{}{
			"finding_id":         f.ID,
			"title":              f.Title,
			"severity":           f.Severity,
			"is_auto_remediable": f.IsAutoRemediable,
			"complexity":         f.Remediation.Complexity,
			"estimated_duration": f.Remediation.EstimatedDuration,
			"actions":            f.Remediation.Actions,
			"recommendation":     f.Recommendation,
		}
		if f.Runbook != nil {
			remediationInfo["runbook"] = f.Runbook
		}
		result, _ := json.MarshalIndent(remediationInfo, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func classifyFindingHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		severity, err := req.RequireString("severity")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		record := producer.Record{
			Title:        title,
			Severity:     severity,
			Status:       req.GetString("status", ""),
			Type:         req.GetString("type", ""),
			ResourceType: req.GetString("resource_type", ""),
		}
		for _, v := range []string{record.Title, record.Status, record.Type, record.ResourceType} {
			if len(v) > maxInputLength {
				return mcp.NewToolResultError("argument exceeds maximum length"), nil
			}
		}
		if controls := req.GetString("controls", ""); controls != "" {
			record.Controls = strings.Split(controls, ",")
		}

		findings, err := producer.Convert(producer.File{Findings: []producer.Record{record}}, "mcp", finding.TypeOther)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		enriched := data.Enricher.EnrichOne(findings[0])
		result, _ := json.MarshalIndent(enriched.Remediation, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func getControlHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("control_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(id) > maxInputLength {
			return mcp.NewToolResultError("control_id exceeds maximum length"), nil
		}
		if data.Catalog == nil {
			return mcp.NewToolResultError("no control catalog configured"), nil
		}
		ctl, ok := data.Catalog.Control(ctx, id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("control %q not found", id)), nil
		}
		result, _ := json.MarshalIndent(ctl, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func searchControlsHandler(data *Data) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if data.Catalog == nil {
			return mcp.NewToolResultError("no control catalog configured"), nil
		}
		query := strings.TrimSpace(req.GetString("query", ""))
		family := strings.TrimSpace(req.GetString("family", ""))
		if len(query) > maxInputLength || len(family) > maxInputLength {
			return mcp.NewToolResultError("argument exceeds maximum length"), nil
		}
		if query == "" && family == "" {
			return mcp.NewToolResultError("either query or family is required"), nil
		}

		limit := int(req.GetFloat("limit", float64(defaultQueryLimit)))
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}

		var controls []catalog.Control
		if query != "" {
			controls = data.Catalog.Search(ctx, query)
			if family != "" {
				kept := controls[:0]
				for _, c := range controls {
					if catalog.Family(c.ID) == catalog.Family(family) {
						kept = append(kept, c)
					}
				}
				controls = kept
			}
		} else {
			controls = data.Catalog.ControlsByFamily(ctx, family)
		}

		type controlSummary struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Family string `json:"family"`
		}
		total := len(controls)
		if len(controls) > limit {
			controls = controls[:limit]
		}
		summaries := make([]controlSummary, len(controls))
		for i, c := range controls {
			summaries[i] = controlSummary{ID: c.ID, Title: c.Title, Family: c.Family}
		}

		result, _ := json.MarshalIndent(map[string]interface{}{
			"count":    len(summaries),
			"total":    total,
			"controls": summaries,
		}, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}
