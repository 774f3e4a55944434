// Command adegactl runs maintenance tasks against the same storage and remote
// the server uses: barcode helpers, a single sync cycle and a data reset.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"adega/backend/internal/app"
	"adega/backend/internal/barcode"
	"adega/backend/internal/config"
	"adega/backend/internal/syncer"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "adegactl",
		Usage: "maintenance tool for the adega back office",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log at debug level"},
		},
		Before: func(c *cli.Context) error {
			logrus.SetOutput(c.App.ErrWriter)
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			barcodeCommand(),
			{
				Name:   "sync-once",
				Usage:  "run one sync cycle against the configured remote and print the outcome",
				Action: syncOnce,
			},
			{
				Name:  "reset",
				Usage: "wipe local data, keep the device id and reload the seed catalog",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
					&cli.BoolFlag{Name: "push", Usage: "push the reset to the remote store right away"},
				},
				Action: reset,
			},
		},
	}
}

func barcodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "barcode",
		Usage: "EAN-13 helpers",
		Subcommands: []*cli.Command{
			{
				Name:      "generate",
				Usage:     "print the barcode derived from a product code",
				ArgsUsage: "CODE...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("at least one product code is required", 2)
					}
					for _, code := range c.Args().Slice() {
						fmt.Fprintf(c.App.Writer, "%s\t%s\n", code, barcode.Generate(code))
					}
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "check EAN-13 check digits; exits 1 when any code is invalid",
				ArgsUsage: "EAN13...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("at least one barcode is required", 2)
					}
					invalid := 0
					for _, code := range c.Args().Slice() {
						status := "valid"
						if !barcode.Validate(code) {
							status = "invalid"
							invalid++
						}
						fmt.Fprintf(c.App.Writer, "%s\t%s\n", code, status)
					}
					if invalid > 0 {
						return cli.Exit(fmt.Sprintf("%d invalid barcode(s)", invalid), 1)
					}
					return nil
				},
			},
			{
				Name:      "next-code",
				Usage:     "print the product code following the given ones",
				ArgsUsage: "[CODE...]",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, barcode.NextProductCode(c.Args().Slice()))
					return nil
				},
			},
		},
	}
}

// openApp builds an instance over the configured backends without starting
// its background loops.
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	backends, err := app.OpenBackends(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, backends.Options(cfg))
	if err != nil {
		backends.Close()
		return nil, nil, err
	}
	return a, backends.Close, nil
}

func syncOnce(c *cli.Context) error {
	a, closeFn, err := openApp(c.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	return runSync(c.Context, a, c.App.Writer)
}

func runSync(ctx context.Context, a *app.App, w io.Writer) error {
	outcome, ran := a.Engine.Sync(ctx, syncer.ReasonManual)
	if !ran {
		return cli.Exit("a sync cycle is already running", 1)
	}
	if err := printJSON(w, a.Engine.Status()); err != nil {
		return err
	}
	if outcome.State == syncer.StateError || outcome.State == syncer.StateOffline {
		return cli.Exit(fmt.Sprintf("sync %s: %v", outcome.State, outcome.Err), 1)
	}
	return nil
}

func reset(c *cli.Context) error {
	if !c.Bool("yes") {
		return cli.Exit("refusing to reset without --yes", 2)
	}
	a, closeFn, err := openApp(c.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := a.Reset(c.Context); err != nil {
		return errors.Wrap(err, "reset")
	}
	fmt.Fprintf(c.App.Writer, "local data reset on %s (lastModified %d)\n", a.DeviceID, a.Store.LastModified())
	if c.Bool("push") {
		return runSync(c.Context, a, c.App.Writer)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode output")
}

