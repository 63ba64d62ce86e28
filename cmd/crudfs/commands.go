package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/starford/crudfs/internal"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/manifest"
	"github.com/starford/crudfs/internal/record"
	pkgconfig "github.com/starford/crudfs/pkg/config"
)

const bootstrapHelp = `No manifest was found at %s.
An empty manifest bound to ledger address %s has been written there.

Configure the ledger and the blob store in %s, or through
API_URL, API_KEY, CHAIN_ID, PRIVATE_KEY, CONTRACT_ADDRESS,
ESTUARY_API_KEY and ESTUARY_API_HOSTNAME, then run the command again.
`

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	configPath := cmd.String("config")
	if _, err := os.Stat(configPath); err == nil {
		if err := pkgconfig.Decode(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if cmd.IsSet("config") {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if m := cmd.String("manifest"); m != "" {
		cfg.Manifest.Path = m
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func bootstrapAddress(cfg *internal.Config) string {
	if cfg.Ledger.ContractAddress != "" {
		return cfg.Ledger.ContractAddress
	}
	return ledger.ZeroAddress
}

// ensureManifest writes an empty manifest and prints instructions when none
// exists yet. It reports whether the caller should go on.
func ensureManifest(cmd *cli.Command, cfg *internal.Config) (bool, error) {
	if manifest.Exists(cfg.Manifest.Path) {
		return true, nil
	}
	addr := bootstrapAddress(cfg)
	if _, err := manifest.Init(cfg.Manifest.Path, addr); err != nil {
		return false, err
	}
	fmt.Fprintf(stdout, bootstrapHelp, cfg.Manifest.Path, addr, cmd.String("config"))
	return false, nil
}

func newLogger(cfg *internal.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
}

// withStack loads the configuration, bootstraps a missing manifest and runs
// fn against an opened Service after settling interrupted operations.
func withStack(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, st *internal.Stack) error) error {
	return openStack(ctx, cmd, true, fn)
}

func openStack(ctx context.Context, cmd *cli.Command, settle bool, fn func(ctx context.Context, st *internal.Stack) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ok, err := ensureManifest(cmd, cfg)
	if err != nil || !ok {
		return err
	}
	logger := newLogger(cfg)
	st, err := internal.OpenStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if settle {
		st.Recover(ctx, logger)
	}
	return fn(ctx, st)
}

// runApp is the shared action of the long-running commands.
func runApp(run func(context.Context, ...internal.Option) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ok, err := ensureManifest(cmd, cfg)
		if err != nil || !ok {
			return err
		}
		if err := run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
			return fmt.Errorf("app run error: %w", err)
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// absPath makes CLI paths absolute so the same file always maps to the same
// ledger key regardless of the working directory.
func absPath(cmd *cli.Command, name string) (string, error) {
	p := cmd.String(name)
	if p == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return filepath.Abs(p)
}

func pathFlag() cli.Flag {
	return &cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Path of the file", Required: true}
}

func metadataFlag() cli.Flag {
	return &cli.StringFlag{Name: "metadata", Usage: `JSON object of strings, e.g. '{"owner":"ops"}'`}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write an empty manifest bound to a ledger address",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "Ledger contract address (defaults to ledger.contract_address)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr := cmd.String("address")
			if addr == "" {
				addr = bootstrapAddress(cfg)
			}
			if _, err := manifest.Init(cfg.Manifest.Path, addr); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "initialized %s for %s\n", cfg.Manifest.Path, addr)
			return nil
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Start tracking a file",
		Flags: []cli.Flag{pathFlag(), metadataFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := absPath(cmd, "path")
			if err != nil {
				return err
			}
			meta, err := record.ParseMetadata(cmd.String("metadata"))
			if err != nil {
				return err
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				rec, err := st.Service.Create(ctx, path, meta)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:  "read",
		Usage: "Show the manifest record of a tracked file",
		Flags: []cli.Flag{pathFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := absPath(cmd, "path")
			if err != nil {
				return err
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				rec, err := st.Service.Read(ctx, path)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Push the current content of a tracked file",
		Flags: []cli.Flag{pathFlag(), metadataFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := absPath(cmd, "path")
			if err != nil {
				return err
			}
			var meta *record.Metadata
			if cmd.IsSet("metadata") {
				m, err := record.ParseMetadata(cmd.String("metadata"))
				if err != nil {
					return err
				}
				meta = &m
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				rec, err := st.Service.UpdatePath(ctx, path, meta)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the ledger record of a file and stop tracking it",
		Flags: []cli.Flag{pathFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := absPath(cmd, "path")
			if err != nil {
				return err
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				if err := st.Service.Delete(ctx, path); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "deleted %s\n", path)
				return nil
			})
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List tracked files",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tree", Usage: "Render as a directory tree"},
			&cli.BoolFlag{Name: "json", Usage: "Print full records as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				recs := st.Service.List()
				switch {
				case cmd.Bool("json"):
					return printJSON(recs)
				case cmd.Bool("tree"):
					fmt.Fprint(stdout, buildTree("/", recs).Print())
				default:
					for _, r := range recs {
						fmt.Fprintf(stdout, "%s\t%s\t%s\n", r.CID, r.Path, r.Metadata)
					}
				}
				return nil
			})
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download the stored content of a tracked file",
		Flags: []cli.Flag{
			pathFlag(),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Destination file", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := absPath(cmd, "path")
			if err != nil {
				return err
			}
			out, err := absPath(cmd, "out")
			if err != nil {
				return err
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				rec, err := st.Service.Fetch(ctx, path, out)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "fetched %s (%s) to %s\n", path, rec.CID, out)
				return nil
			})
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Compare manifest records with the ledger (all files when --path is omitted)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Path of the file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var paths []string
			if cmd.IsSet("path") {
				p, err := absPath(cmd, "path")
				if err != nil {
					return err
				}
				paths = append(paths, p)
			}
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				if paths == nil {
					for _, r := range st.Service.List() {
						paths = append(paths, r.Path)
					}
				}
				var drifted []string
				for _, p := range paths {
					d, err := st.Service.Verify(ctx, p)
					if err != nil && d.InSync() {
						return err
					}
					fmt.Fprintln(stdout, d)
					if !d.InSync() {
						drifted = append(drifted, d.Path)
					}
				}
				if len(drifted) > 0 {
					return fmt.Errorf("%d file(s) drifted: %s", len(drifted), strings.Join(drifted, ", "))
				}
				return nil
			})
		},
	}
}

func rebuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebuild",
		Usage: "Re-add ledger records missing from the manifest",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, st *internal.Stack) error {
				rep, err := st.Service.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

func recoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Settle operations interrupted by a crash",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return openStack(ctx, cmd, false, func(ctx context.Context, st *internal.Stack) error {
				n, err := st.Service.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%d pending operation(s) settled\n", n)
				return nil
			})
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API, SSE stream and metrics endpoint",
		Action: runApp(internal.Run),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Push edits of tracked files as they happen",
		Action: runApp(internal.RunWatch),
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp",
		Usage:  "Serve the MCP tools on stdin/stdout",
		Action: runApp(internal.RunMCP),
	}
}
