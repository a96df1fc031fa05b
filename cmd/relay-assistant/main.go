package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaycrm/assistant-go/assistant"
	"github.com/relaycrm/assistant-go/internal/gateway"
	"github.com/relaycrm/assistant-go/internal/store"
	"github.com/relaycrm/assistant-go/internal/tui"
	"github.com/relaycrm/assistant-go/template"
)

func main() {
	app := &cli.App{
		Name:  "relay-assistant",
		Usage: "Relay CRM assistant gateway and terminal client",
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			renderCommand(),
			validateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the assistant gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringFlag{Name: "db", Value: "relay-assistant.db", Usage: "sqlite database path"},
			&cli.StringFlag{Name: "provider", Usage: "default provider (simulated, anthropic, openai, groq)"},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.Open(c.String("db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			opts := []gateway.Option{
				gateway.WithLogger(logger),
				gateway.WithMetrics(gateway.NewMetrics()),
			}
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				opts = append(opts, gateway.WithProvider(gateway.NewAnthropicProvider(key)))
			}
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				opts = append(opts, gateway.WithProvider(gateway.NewOpenAIProvider(key)))
			}
			if key := os.Getenv("GROQ_API_KEY"); key != "" {
				opts = append(opts, gateway.WithProvider(gateway.NewGroqProvider(key)))
			}
			if name := c.String("provider"); name != "" {
				opts = append(opts, gateway.WithDefaultProvider(name))
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return gateway.New(st, opts...).Run(ctx, c.String("addr"))
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Open an interactive chat against a running gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "gateway base URL"},
			&cli.StringFlag{Name: "tenant", Usage: "tenant id sent with every request"},
			&cli.StringFlag{Name: "conversation", Usage: "resume an existing conversation id"},
			&cli.StringFlag{Name: "provider", Usage: "model provider override"},
			&cli.StringFlag{Name: "model", Usage: "model override"},
		},
		Action: func(c *cli.Context) error {
			assistant.SetLogger(assistant.NewLoggerFromEnv())

			var clientOpts []assistant.ClientOption
			if tenant := c.String("tenant"); tenant != "" {
				clientOpts = append(clientOpts, assistant.WithTenant(tenant))
			}
			if key := os.Getenv("RELAY_API_KEY"); key != "" {
				clientOpts = append(clientOpts, assistant.WithAPIKey(key))
			}
			client := assistant.NewClient(c.String("server"), clientOpts...)

			var sendOpts []assistant.SendOption
			if provider := c.String("provider"); provider != "" {
				sendOpts = append(sendOpts, assistant.WithProvider(provider))
			}
			if model := c.String("model"); model != "" {
				sendOpts = append(sendOpts, assistant.WithModel(model))
			}

			app := tui.New(client, tui.WithSendOptions(sendOpts...))
			return app.Run(c.Context, c.String("conversation"))
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Render an email template with a JSON context",
		ArgsUsage: "TEMPLATE [CONTEXT.json]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: render TEMPLATE [CONTEXT.json]")
			}
			raw, err := os.ReadFile(c.Args().Get(0))
			if err != nil {
				return err
			}

			tmplCtx := template.Context{}
			if c.NArg() > 1 {
				data, err := os.ReadFile(c.Args().Get(1))
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &tmplCtx); err != nil {
					return fmt.Errorf("parse context: %w", err)
				}
			}

			res := template.Render(string(raw), tmplCtx)
			fmt.Println(res.Body)
			for _, msg := range res.Errors {
				fmt.Fprintln(os.Stderr, "error:", msg)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d template error(s)", len(res.Errors))
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a template for syntax problems",
		ArgsUsage: "TEMPLATE",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: validate TEMPLATE")
			}
			raw, err := os.ReadFile(c.Args().Get(0))
			if err != nil {
				return err
			}

			v := template.Validate(string(raw))
			for _, msg := range v.Errors {
				fmt.Println("error:", msg)
			}
			for _, msg := range v.Warnings {
				fmt.Println("warning:", msg)
			}
			if len(v.Variables) > 0 {
				fmt.Println("variables:", strings.Join(v.Variables, ", "))
			}
			if !v.Valid {
				return fmt.Errorf("template is invalid")
			}
			fmt.Println("template is valid")
			return nil
		},
	}
}

// newLogger builds the gateway's production logger. LOG_LEVEL overrides the
// default info threshold.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}
