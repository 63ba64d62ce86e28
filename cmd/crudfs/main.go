package main

import (
	"context"
	"fmt"
	"io"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/crudfs/internal/apperr"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var stdout io.Writer = os.Stdout

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "crudfs",
		Usage:   "Track local files on a ledger with content stored by CID",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (.yaml or .toml)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "Path to the manifest (overrides manifest.path)",
				Sources: cli.EnvVars("CRUDFS_MANIFEST"),
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			createCommand(),
			readCommand(),
			updateCommand(),
			deleteCommand(),
			listCommand(),
			fetchCommand(),
			verifyCommand(),
			rebuildCommand(),
			recoverCommand(),
			serveCommand(),
			watchCommand(),
			mcpCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "crudfs: %v [%s]\n", err, apperr.Kind(err))
		os.Exit(1)
	}
}
