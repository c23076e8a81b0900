package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lernpfad/internal/status"
	"github.com/kalambet/lernpfad/internal/storage"
	"github.com/kalambet/lernpfad/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs      JobReader
	Service   Submitter
	PublicURL string
	Now       func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server exposing job submission and status tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"lernpfad",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lernpfad turns a text into a quiz or a discovery path. Submit content, "+
			"then poll job_status until it is completed and fetch the result with job_result."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_content",
			mcp.WithDescription("Submit a text to be turned into a quiz or a discovery path. Returns immediately with a job slug."),
			mcp.WithString("title", mcp.Description("Title of the material"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The source text"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("quiz (default) or discovery"), mcp.Enum("quiz", "discovery")),
			mcp.WithBoolean("auto_generate", mcp.Description("Generate right after research (default true)")),
		),
		mcpSubmitContent(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Get the progress of a submitted job."),
			mcp.WithString("slug", mcp.Description("Public job slug returned by submit_content"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("job_result",
			mcp.WithDescription("Get the generated quiz or discovery path of a completed job as JSON."),
			mcp.WithString("slug", mcp.Description("Public job slug"), mcp.Required()),
		),
		mcpJobResult(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("The 10 most recently submitted jobs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		text, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		res, err := deps.Service.Submit(ctx, workflow.SubmitRequest{
			Title:        title,
			Content:      text,
			Mode:         req.GetString("mode", ""),
			AutoGenerate: req.GetBool("auto_generate", true),
		})
		if errors.Is(err, workflow.ErrInvalidInput) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError("failed to submit job"), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		job, errResult := mcpLoadJob(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}

		proj := status.Project(job, deps.now(), deps.PublicURL)
		proj.Result = nil
		b, err := json.Marshal(proj)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		job, errResult := mcpLoadJob(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}

		switch job.Status {
		case storage.StatusCompleted:
			return mcpText(string(job.Result)), nil
		case storage.StatusFailed:
			return mcpError(job.Error), nil
		default:
			return mcpError(fmt.Sprintf("job is not ready yet (%s, %d%%)", job.Status, job.Progress)), nil
		}
	}
}

func mcpLoadJob(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) (storage.Job, *mcp.CallToolResult) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return storage.Job{}, mcpError("slug is required")
	}
	job, err := deps.Jobs.GetJobBySlug(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, mcpError(fmt.Sprintf("job %q not found", slug))
	}
	if err != nil {
		return storage.Job{}, mcpError(fmt.Sprintf("failed to get job: %v", err))
	}
	return job, nil
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Jobs.ListJobs(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		summaries := make([]JobSummary, len(jobs))
		for i, j := range jobs {
			summaries[i] = newJobSummary(j)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
