package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/prose-im/prose-core-client-sub002/pkg/messaging"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyStore
)

func getConfig(ctx *cli.Context) *messaging.Config {
	return ctx.Context.Value(contextKeyConfig).(*messaging.Config)
}

func getStore(ctx *cli.Context) *messaging.Store {
	return ctx.Context.Value(contextKeyStore).(*messaging.Store)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := messaging.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	store, err := messaging.OpenStore(ctx.Context, cfg.DatabaseURI, messaging.AccountID(cfg.Account), *log)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyStore, store)
	ctx.Context = newCtx
	return nil
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print the folded message history of a room",
	ArgsUsage: "<room JID>",
	Before:    prepareApp,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: history <room JID>")
		}
		room := messaging.RoomID(ctx.Args().First())
		events, err := getStore(ctx).RoomEvents(ctx.Context, room)
		if err != nil {
			return err
		}
		for _, msg := range messaging.Fold(events) {
			flags := ""
			if msg.IsEdited {
				flags += " (edited)"
			}
			if msg.IsRead {
				flags += " (read)"
			} else if msg.IsDelivered {
				flags += " (delivered)"
			}
			fmt.Printf("%s  %s%s\n    %s\n", msg.Timestamp.Format("2006-01-02 15:04:05"), msg.From, flags, msg.Body)
			for _, reaction := range msg.Reactions {
				fmt.Printf("    %s × %d\n", reaction.Emoji, len(reaction.From))
			}
			for _, att := range msg.Attachments {
				fmt.Printf("    [attachment] %s\n", att.URL)
			}
		}
		return nil
	},
}

var eventsCommand = &cli.Command{
	Name:      "events",
	Usage:     "Print the raw event log of a room",
	ArgsUsage: "<room JID>",
	Before:    prepareApp,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: events <room JID>")
		}
		room := messaging.RoomID(ctx.Args().First())
		events, err := getStore(ctx).RoomEvents(ctx.Context, room)
		if err != nil {
			return err
		}
		for _, evt := range events {
			target := ""
			if evt.Target != nil {
				target = " -> " + evt.Target.String()
			}
			fmt.Printf("%s  %s  %T  %s%s\n", evt.Timestamp.Format("2006-01-02 15:04:05"), evt.ID, evt.Payload, evt.From, target)
		}
		return nil
	},
}

var wipeCommand = &cli.Command{
	Name:   "wipe",
	Usage:  "Delete all locally stored messages and sync state for the account",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		if err := getStore(ctx).DeleteAccountData(ctx.Context); err != nil {
			return err
		}
		fmt.Printf("Deleted all local data for %s\n", getConfig(ctx).Account)
		return nil
	},
}

var configUpgradeCommand = &cli.Command{
	Name:  "config-upgrade",
	Usage: "Rewrite the config file onto the current example layout",
	Action: func(ctx *cli.Context) error {
		_, upgraded, err := messaging.UpgradeConfig(ctx.String("config"), true)
		if err != nil {
			return err
		}
		if upgraded {
			fmt.Println("Config upgraded")
		} else {
			fmt.Println("Config already up to date")
		}
		return nil
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	app := &cli.App{
		Name:    "prose-sync",
		Usage:   "Inspect and manage the local XMPP message archive",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
		},
		Commands: []*cli.Command{
			historyCommand,
			eventsCommand,
			wipeCommand,
			configUpgradeCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
