package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	_ "github.com/samcharles93/tessera/pkg/directory"
	_ "github.com/samcharles93/tessera/pkg/mbtiles"
	_ "github.com/samcharles93/tessera/pkg/tararchive"
	_ "github.com/samcharles93/tessera/pkg/tbc"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "tessera",
		Usage:  "Convert, inspect and serve map tile containers",
		Flags:  globalFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			convertCmd(),
			probeCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}
