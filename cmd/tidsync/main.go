package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/tidsync/internal"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/tidfile"
	pkgconfig "github.com/starford/tidsync/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// open loads the config and opens a runtime whose logs go to stderr so
// command output on stdout stays clean.
func open(cmd *cli.Command, extra ...internal.Option) (*internal.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts := append([]internal.Option{
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
	}, extra...)
	return internal.Open(opts...)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func initConfig(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	if _, err := os.Stat(configPath); err == nil && !cmd.Bool("force") {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := pkgconfig.Write(configPath, internal.NewDefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", configPath)
	return nil
}

func addWorkspace(ctx context.Context, cmd *cli.Command) error {
	rt, err := open(cmd, internal.WithoutHTTP())
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	path, err := filepath.Abs(cmd.String("path"))
	if err != nil {
		return err
	}
	ws := models.Workspace{
		ID:              cmd.String("id"),
		Name:            cmd.String("name"),
		FolderPath:      path,
		MainWorkspaceID: cmd.String("main"),
		RoutingTag:      cmd.String("tag"),
		SubFolderName:   cmd.String("folder"),
		Order:           int(cmd.Int("order")),
		Port:            int(cmd.Int("port")),
	}
	if ws.Name == "" {
		ws.Name = filepath.Base(path)
	}
	ws.IsSubWorkspace = ws.MainWorkspaceID != ""
	if !ws.IsSubWorkspace && !cmd.IsSet("port") {
		list, err := rt.Registry.List(ctx)
		if err != nil {
			return err
		}
		mains := 0
		for _, w := range list {
			if !w.IsSubWorkspace {
				mains++
			}
		}
		ws.Port = rt.Config.App.HTTP.PortFor(mains)
	}

	added, err := rt.Coordinator.Add(ctx, ws)
	if err != nil {
		return fmt.Errorf("add workspace: %w", err)
	}
	fmt.Fprintf(os.Stdout, "added %s (%s)\n", added.ID, added.FolderPath)
	return nil
}

func listWorkspaces(ctx context.Context, cmd *cli.Command) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	list, err := rt.Registry.List(ctx)
	if err != nil {
		return err
	}
	return printWorkspaces(os.Stdout, list)
}

func printWorkspaces(w io.Writer, list []models.Workspace) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tMAIN\tTAG\tORDER\tPORT\tPATH")
	for _, ws := range list {
		kind := "main"
		if ws.IsSubWorkspace {
			kind = "sub"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			ws.ID, ws.Name, kind, ws.MainWorkspaceID, ws.RoutingTag, ws.Order, ws.Port, ws.FolderPath)
	}
	return tw.Flush()
}

func removeWorkspace(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("workspace ID is required")
	}
	rt, err := open(cmd, internal.WithoutHTTP())
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if err := rt.Coordinator.Remove(ctx, id, cmd.Bool("delete-files")); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", id)
	return nil
}

func route(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Watcher.Enabled = false
	cfg.VCS.Enabled = false
	rt, err := internal.Open(internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr), internal.WithoutHTTP())
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	id := cmd.String("workspace")
	if _, err := rt.Coordinator.Start(ctx, id); err != nil {
		return err
	}
	host, ok := rt.Coordinator.Host(ctx, id)
	if !ok {
		return fmt.Errorf("workspace not running: %s", id)
	}
	ws, err := host.Route(ctx, cmd.String("title"), tidfile.ParseStringArray(cmd.String("tags")))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\t%s\n", ws.ID, ws.ContentDir())
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:   "tidsync",
		Usage:  "Multi-folder wiki workspaces with tag-based routing between folders",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start every registered workspace and serve until interrupted",
				Action: serve,
			},
			{
				Name:   "init",
				Usage:  "Write a default config file",
				Action: initConfig,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file"},
				},
			},
			{
				Name:  "workspace",
				Usage: "Manage registered workspaces",
				Commands: []*cli.Command{
					{
						Name:   "add",
						Usage:  "Register a main workspace, or a sub-workspace with --main",
						Action: addWorkspace,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "path", Usage: "Workspace folder", Required: true},
							&cli.StringFlag{Name: "id", Usage: "Workspace ID (generated when empty)"},
							&cli.StringFlag{Name: "name", Usage: "Display name (defaults to the folder name)"},
							&cli.StringFlag{Name: "main", Usage: "Main workspace ID; makes this a sub-workspace"},
							&cli.StringFlag{Name: "tag", Usage: "Routing tag for a sub-workspace"},
							&cli.StringFlag{Name: "folder", Usage: "Sub-folder name used in routing rules"},
							&cli.IntFlag{Name: "order", Usage: "Routing priority; lower wins"},
							&cli.IntFlag{Name: "port", Usage: "HTTP port for a main workspace; 0 disables HTTP"},
						},
					},
					{
						Name:   "list",
						Usage:  "List registered workspaces",
						Action: listWorkspaces,
					},
					{
						Name:      "remove",
						Usage:     "Stop and unregister a workspace",
						ArgsUsage: "<id>",
						Action:    removeWorkspace,
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "delete-files", Usage: "Also delete the workspace folder"},
						},
					},
				},
			},
			{
				Name:   "route",
				Usage:  "Print the workspace a tiddler would be saved to",
				Action: route,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Main or sub-workspace ID", Required: true},
					&cli.StringFlag{Name: "title", Usage: "Tiddler title", Required: true},
					&cli.StringFlag{Name: "tags", Usage: "Tags in list syntax, e.g. \"one [[two words]]\""},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
