// Command mailindex keeps a conversation index of a mail store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/app"
	"github.com/nhle/mailindex/internal/logging"
	"github.com/nhle/mailindex/internal/model"
)

const usage = `Usage: mailindex [flags] <command> [args]

Commands:
  index                     index every account once and exit
  watch [--tui]             index, then follow changes until interrupted
  thread <message-id>       print the conversation holding a message
  stats                     print index counts
  setup                     describe the mail store interactively
  credential set <account>  store the password of an IMAP account

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailindex:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("mailindex", pflag.ContinueOnError)
	flags.SetInterspersed(true)
	configPath := flags.StringP("config", "c", model.DefaultConfigPath(), "configuration file")
	logLevel := flags.String("log-level", "", "override log.level")
	asJSON := flags.Bool("json", false, "print thread and stats as JSON")
	tui := flags.Bool("tui", false, "show the progress view while watching")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("no command given")
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "setup":
		return app.Setup(*configPath, cfg)
	case "credential":
		if len(rest) != 2 || rest[0] != "set" {
			return errors.New("usage: mailindex credential set <account>")
		}
		return app.SetPassword(rest[1])
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("closing", zap.Error(err))
		}
	}()

	switch cmd {
	case "index":
		return a.RunIndex(ctx)

	case "watch":
		return a.RunWatch(ctx, app.WatchOptions{TUI: *tui})

	case "thread":
		if len(rest) != 1 {
			return errors.New("usage: mailindex thread <message-id>")
		}
		t, err := a.Thread(ctx, rest[0])
		if err != nil {
			return err
		}
		return app.WriteThread(os.Stdout, t, *asJSON)

	case "stats":
		stats, err := a.Stats(ctx)
		if err != nil {
			return err
		}
		return app.WriteStats(os.Stdout, stats, *asJSON)

	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
