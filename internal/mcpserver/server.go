// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes tidsync workspaces to LLM clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/engine"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/registry"
	"github.com/starford/tidsync/internal/tagtree"
	"github.com/starford/tidsync/internal/tidfile"
)

// FormatURI is the resource URI of the tiddler format contract.
const FormatURI = "tidsync://tiddler-format"

// Hosts resolves a workspace ID (main or sub) to its running engine.
// *lifecycle.Coordinator satisfies it.
type Hosts interface {
	Host(ctx context.Context, id string) (*engine.Host, bool)
}

// Server wraps the MCP server with tidsync tools.
type Server struct {
	mcp   *server.MCPServer
	hosts Hosts
	reg   registry.Store
}

// New creates a new MCP server with all tidsync tools registered.
func New(hosts Hosts, reg registry.Store) *Server {
	s := &Server{hosts: hosts, reg: reg}

	s.mcp = server.NewMCPServer(
		"tidsync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_workspaces",
		mcp.WithDescription("List registered workspaces with their routing tags and whether their engine is running."),
	), s.listWorkspaces)

	s.mcp.AddTool(mcp.NewTool("list_tiddlers",
		mcp.WithDescription("List tiddler titles in a workspace, optionally filtered by tag tree."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Main or sub-workspace ID")),
		mcp.WithString("filter", mcp.Description("Optional filter such as \"in-tagtree-of Journal\" or \"!in-tagtree-of:inclusive Journal\"")),
	), s.listTiddlers)

	s.mcp.AddTool(mcp.NewTool("read_tiddler",
		mcp.WithDescription("Read one tiddler with its fields and the file it is stored in."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Main or sub-workspace ID")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Tiddler title")),
	), s.readTiddler)

	s.mcp.AddTool(mcp.NewTool("save_tiddler",
		mcp.WithDescription("Create or update a tiddler. The save is routed to the sub-workspace "+
			"whose routing tag tree contains the tiddler, or to the main workspace. "+
			"Read the format first via get_tiddler_format or the "+FormatURI+" resource."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Main or sub-workspace ID")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Tiddler title")),
		mcp.WithString("text", mcp.Description("Tiddler text")),
		mcp.WithString("tags", mcp.Description("Tags in list syntax, e.g. \"one [[two words]]\"")),
	), s.saveTiddler)

	s.mcp.AddTool(mcp.NewTool("route_tiddler",
		mcp.WithDescription("Report which workspace a tiddler with the given tags would be saved to, without saving."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Main or sub-workspace ID")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Tiddler title")),
		mcp.WithString("tags", mcp.Description("Tags in list syntax, e.g. \"one [[two words]]\"")),
	), s.routeTiddler)

	s.mcp.AddTool(mcp.NewTool("tag_tree",
		mcp.WithDescription("List every tiddler in the tag tree of a root tag."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Main or sub-workspace ID")),
		mcp.WithString("root_tag", mcp.Required(), mcp.Description("Root tag title")),
	), s.tagTree)

	s.mcp.AddTool(mcp.NewTool("get_tiddler_format",
		mcp.WithDescription("Returns how tidsync stores and routes tiddlers."),
	), s.getTiddlerFormat)

	s.mcp.AddResource(
		mcp.NewResource(FormatURI, "Tiddler Format",
			mcp.WithResourceDescription("How tidsync stores and routes tiddlers."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type workspaceView struct {
	models.Workspace
	Running bool `json:"running"`
}

func (s *Server) listWorkspaces(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.reg.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]workspaceView, 0, len(list))
	for _, ws := range list {
		_, running := s.hosts.Host(ctx, ws.ID)
		out = append(out, workspaceView{Workspace: ws, Running: running})
	}
	return jsonResult(out)
}

// host resolves the workspace_id argument or returns a tool error result.
func (s *Server) host(ctx context.Context, req mcp.CallToolRequest) (*engine.Host, *mcp.CallToolResult) {
	id, err := req.RequireString("workspace_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	h, ok := s.hosts.Host(ctx, id)
	if !ok {
		return nil, mcp.NewToolResultError(fmt.Sprintf("workspace not running: %s", id))
	}
	return h, nil
}

func (s *Server) listTiddlers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, fail := s.host(ctx, req)
	if fail != nil {
		return fail, nil
	}
	var filter *tagtree.Filter
	if expr := req.GetString("filter", ""); expr != "" {
		f, ok := tagtree.ParseFilter(expr)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unsupported filter: %s", expr)), nil
		}
		filter = &f
	}
	titles, err := h.Titles(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(titles, "\n")), nil
}

func (s *Server) readTiddler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, fail := s.host(ctx, req)
	if fail != nil {
		return fail, nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, info, ok, err := h.Get(ctx, title)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", title)), nil
	}
	return jsonResult(engine.TiddlerResponse{Tiddler: t, WorkspaceID: info.WorkspaceID, Filepath: info.Filepath})
}

func (s *Server) saveTiddler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, fail := s.host(ctx, req)
	if fail != nil {
		return fail, nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t := &models.Tiddler{
		Title: title,
		Text:  req.GetString("text", ""),
		Tags:  tidfile.ParseStringArray(req.GetString("tags", "")),
	}
	if prev, _, ok, err := h.Get(ctx, title); err == nil && ok {
		t.Fields = prev.Fields
		t.Created = prev.Created
	}
	res, err := h.Save(ctx, t)
	switch {
	case errors.Is(err, apperr.ErrReadOnly):
		return mcp.NewToolResultError(fmt.Sprintf("read-only: %s", title)), nil
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	case res.Unchanged:
		return mcp.NewToolResultText(fmt.Sprintf("unchanged: %s", title)), nil
	case res.Relocated:
		return mcp.NewToolResultText(fmt.Sprintf("moved: %s from %s to %s", title, res.FromWorkspace, res.WorkspaceID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("saved: %s in %s", title, res.WorkspaceID)), nil
}

func (s *Server) routeTiddler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, fail := s.host(ctx, req)
	if fail != nil {
		return fail, nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ws, err := h.Route(ctx, title, tidfile.ParseStringArray(req.GetString("tags", "")))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(ws.ID), nil
}

func (s *Server) tagTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, fail := s.host(ctx, req)
	if fail != nil {
		return fail, nil
	}
	root, err := req.RequireString("root_tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	titles, err := h.Descendants(ctx, root)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(titles) == 0 {
		return mcp.NewToolResultText("no tiddlers in tag tree"), nil
	}
	return mcp.NewToolResultText(strings.Join(titles, "\n")), nil
}

func (s *Server) getTiddlerFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(TiddlerFormatContract), nil
}

func (s *Server) readFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      FormatURI,
			MIMEType: "text/markdown",
			Text:     TiddlerFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
