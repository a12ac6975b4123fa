package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/DisktroDrop/config"
	"github.com/jaywantadh/DisktroDrop/pkg/env"
	"github.com/jaywantadh/DisktroDrop/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(false)

	if err := newApp().Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func newApp() *cli.App {
	transportFlags := []cli.Flag{
		&cli.StringFlag{Name: "transport", Aliases: []string{"t"}, Usage: "tcp or udp"},
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "raw or framed wire format"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "receiver port"},
		&cli.IntFlag{Name: "chunk-size", Usage: "content bytes per chunk"},
	}

	return &cli.App{
		Name:  "disktrodrop",
		Usage: "Send a file to a receiver over TCP or UDP and collect its reply",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: ".", Usage: "directory containing config.yaml"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose text logging"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			logging.InitLogger(cfg.Debug || c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Receive files and answer each with the reply artifact",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "directory received files are written to"},
					&cli.StringFlag{Name: "reply", Usage: "reply artifact sent after every upload"},
					&cli.StringFlag{Name: "status-addr", Usage: "address of the JSON status endpoint"},
				}, transportFlags...),
				Action: runServe,
			},
			{
				Name:      "send",
				Usage:     "Upload a file and save the receiver's reply",
				ArgsUsage: "[file]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "receiver host"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "where the reply is written"},
					&cli.BoolFlag{Name: "compress", Usage: "LZ4-compress chunks (framed TCP only)"},
				}, transportFlags...),
				Action: runSend,
			},
			{
				Name:   "history",
				Usage:  "List completed transfers recorded by the receiver",
				Action: runHistory,
			},
		},
	}
}
