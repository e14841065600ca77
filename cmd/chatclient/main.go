// Command chatclient is a line-oriented terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"teamchat/internal/client"
	"teamchat/internal/logging"
)

type config struct {
	URL            string        `env:"CHAT_URL" envDefault:"ws://localhost:8083/ws"`
	UserID         string        `env:"CHAT_USER,required"`
	Token          string        `env:"CHAT_TOKEN"`
	Channel        string        `env:"CHAT_CHANNEL"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"warn"`
	RequestTimeout time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"10s"`
	RetryDelay     time.Duration `env:"CHAT_RETRY_DELAY" envDefault:"2s"`
}

func main() {
	_ = godotenv.Load(".env")
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newRenderer(os.Stdout, cfg.UserID)
	c := client.New(cfg.UserID, logger, client.Options{
		RequestTimeout: cfg.RequestTimeout,
		OnChange:       out.onChange,
	})
	defer c.Stop()

	go connect(ctx, c, cfg, logger)

	if cfg.Channel != "" {
		_ = c.Join(ctx, cfg.Channel)
		_ = c.Focus(ctx, cfg.Channel)
	}

	out.help()
	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		if quit := handleLine(ctx, c, out, strings.TrimSpace(lines.Text())); quit {
			return
		}
	}
}

// connect keeps one transport alive, redialing after failures.
func connect(ctx context.Context, c *client.Client, cfg config, logger *zap.Logger) {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	} else {
		header.Set("X-User-ID", cfg.UserID)
	}
	for {
		t, err := client.Dial(ctx, cfg.URL, header)
		if err == nil {
			logger.Info("connected", zap.String("url", cfg.URL))
			err = c.Run(ctx, t)
			_ = t.Close()
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("connection lost, retrying", zap.Error(err), zap.Duration("delay", cfg.RetryDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.RetryDelay):
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, out *renderer, line string) bool {
	if line == "" {
		return false
	}
	focused := c.State().Focused
	if !strings.HasPrefix(line, "/") {
		if focused == "" {
			out.warn("join a channel first: /join <channel>")
			return false
		}
		if _, err := c.Send(ctx, focused, line, ""); err != nil {
			out.warn(err.Error())
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	args := strings.Fields(rest)
	var err error
	switch cmd {
	case "quit", "q":
		return true
	case "help":
		out.help()
	case "join":
		if len(args) != 1 {
			out.warn("usage: /join <channel>")
			return false
		}
		if err = c.Join(ctx, args[0]); err == nil {
			err = c.Focus(ctx, args[0])
		}
	case "focus":
		if len(args) != 1 {
			out.warn("usage: /focus <channel>")
			return false
		}
		err = c.Focus(ctx, args[0])
	case "reply":
		id, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || focused == "" {
			out.warn("usage: /reply <message-id> <text>")
			return false
		}
		_, err = c.Send(ctx, focused, text, id)
	case "edit":
		id, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			out.warn("usage: /edit <message-id> <text>")
			return false
		}
		_, err = c.Edit(ctx, id, text)
	case "delete":
		if len(args) != 1 {
			out.warn("usage: /delete <message-id>")
			return false
		}
		_, err = c.Delete(ctx, args[0])
	case "react":
		if len(args) != 2 {
			out.warn("usage: /react <message-id> <emoji>")
			return false
		}
		_, err = c.React(ctx, args[0], args[1])
	case "typing":
		if focused != "" {
			err = c.Typing(ctx, focused, len(args) == 0 || args[0] != "off")
		}
	case "resync":
		if focused != "" {
			err = c.Resync(ctx, focused)
		}
	case "list":
		out.table(c.State(), focused)
	case "channels":
		out.channels(c.State())
	default:
		out.warn(fmt.Sprintf("unknown command /%s", cmd))
	}
	if err != nil {
		out.warn(err.Error())
	}
	return false
}
