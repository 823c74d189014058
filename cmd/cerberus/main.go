package main

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"Cerberus-Core/internal/app"
	"Cerberus-Core/internal/config"
	"Cerberus-Core/sdk/go/cerberus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cerberus: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cerberus",
		Usage: "run agents, inspect the review queue and serve the API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML or JSON config file",
				EnvVars: []string{"CERBERUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "talk to a running daemon instead of executing in-process",
				EnvVars: []string{"CERBERUS_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token for --server",
				EnvVars: []string{"CERBERUS_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "poll",
				Value: time.Second,
				Usage: "status poll interval for --server",
			},
		},
		Before: func(*cli.Context) error {
			if err := godotenv.Load(); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
		Commands: []*cli.Command{
			agentsCommand(),
			runCommand(),
			reviewsCommand(),
			serveCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	path := filepath.Join("configs", "cerberus.yaml")
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.Default("."), nil
}

func withApp(c *cli.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := app.New(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func openBackend(c *cli.Context) (backend, error) {
	if server := c.String("server"); server != "" {
		client, err := cerberus.NewClient(server, nil)
		if err != nil {
			return nil, err
		}
		client.SetAccessToken(c.String("token"))
		return &remoteBackend{client: client, poll: c.Duration("poll")}, nil
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	a, err := app.New(c.Context, cfg)
	if err != nil {
		return nil, err
	}
	return &localBackend{app: a}, nil
}

func withBackend(c *cli.Context, fn func(b backend) error) error {
	b, err := openBackend(c)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func agentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "list configured agents",
		Action: func(c *cli.Context) error {
			return withBackend(c, func(b backend) error {
				agents, err := b.Agents(c.Context)
				if err != nil {
					return err
				}
				renderAgents(c.App.Writer, agents)
				return nil
			})
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "submit a request and wait for its outcome",
		ArgsUsage: "[file...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Usage: "agent name"},
			&cli.StringFlag{Name: "action", Usage: "explicit action, otherwise matched from the description"},
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "what the agent should do"},
			&cli.StringSliceFlag{Name: "input", Usage: "document reference inside source.folder"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			attachments, err := readAttachments(c.Args().Slice())
			if err != nil {
				return err
			}
			return withBackend(c, func(b backend) error {
				ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
				defer cancel()

				final, err := b.Run(ctx, cerberus.Submission{
					AgentID:     c.String("agent"),
					Action:      c.String("action"),
					Description: c.String("description"),
					Inputs:      c.StringSlice("input"),
					Attachments: attachments,
				})
				if err != nil {
					return err
				}
				renderRequest(c.App.Writer, final)
				if final.Status != "completed" {
					return cli.Exit(fmt.Sprintf("request %s ended as %s: %s", final.ID, final.Status, final.LastError), 2)
				}
				return nil
			})
		},
	}
}

func reviewsCommand() *cli.Command {
	return &cli.Command{
		Name:  "reviews",
		Usage: "inspect and resolve the human review queue",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list review items",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent"},
					&cli.StringFlag{Name: "reason", Usage: "low_confidence|validation_failure|policy_flag|sink_failure"},
					&cli.BoolFlag{Name: "archived", Usage: "include resolved items"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: func(c *cli.Context) error {
					filter := cerberus.ReviewFilter{
						Agent:    c.String("agent"),
						Reason:   c.String("reason"),
						Archived: c.Bool("archived"),
						Limit:    c.Int("limit"),
					}
					if !filter.Archived {
						filter.Resolution = "pending"
					}
					return withBackend(c, func(b backend) error {
						items, err := b.Reviews(c.Context, filter)
						if err != nil {
							return err
						}
						renderReviews(c.App.Writer, items)
						return nil
					})
				},
			},
			{
				Name:      "resolve",
				Usage:     "resolve a review item",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "resolution", Required: true, Usage: "accepted|corrected|rejected"},
					&cli.StringFlag{Name: "record", Usage: "JSON file with the corrected record"},
					&cli.StringFlag{Name: "note"},
				},
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("review id is required", 2)
					}
					res := cerberus.Resolution{Resolution: c.String("resolution"), Note: c.String("note")}
					if path := c.String("record"); path != "" {
						raw, err := readRecord(path)
						if err != nil {
							return err
						}
						res.Record = raw
					}
					return withBackend(c, func(b backend) error {
						item, err := b.Resolve(c.Context, id, res)
						if err != nil {
							return err
						}
						renderReviews(c.App.Writer, []cerberus.Review{*item})
						return nil
					})
				},
			},
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the API server, request workers and folder watcher",
		Action: func(c *cli.Context) error {
			return withApp(c, func(a *app.App) error {
				if err := a.Run(c.Context); err != nil && !stdErrors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
}

func readRecord(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取更正记录失败: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("更正记录不是合法的 JSON: %s", path)
	}
	return raw, nil
}
