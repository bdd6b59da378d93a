// Command pocksup is a command-line client: it registers a phone number,
// sends messages and media, manages groups and prints incoming events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/pocksup/pkg/config"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

var errUsage = errors.New("usage")

type command struct {
	name    string
	args    string
	help    string
	connect bool // needs an authenticated session
	run     func(ctx context.Context, app *app, fs *flag.FlagSet, args []string) error
}

var commands = []command{
	{name: "register", args: "[-voice] <phone>", help: "request a verification code", run: runRegister},
	{name: "verify", args: "<phone> <code>", help: "submit the code and store credentials", run: runVerify},
	{name: "send", args: "[-quote id] <to> <text>", help: "send a text message", connect: true, run: runSend},
	{name: "send-media", args: "[-caption text] [-mime type] <to> <file>", help: "upload and send a file", connect: true, run: runSendMedia},
	{name: "listen", args: "[-read] [-media dir]", help: "print incoming events until interrupted", connect: true, run: runListen},
	{name: "group", args: "create|add|remove|subject|leave|list ...", help: "manage groups", connect: true, run: runGroup},
	{name: "history", args: "[-limit n] <chat>", help: "print logged messages of a chat", run: runHistory},
}

// app is the state shared by every subcommand
type app struct {
	cfg    config.Config
	db     *storage.DB
	client *network.Client
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pocksup [-config file] <command> [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s %-44s %s\n", c.name, c.args, c.help)
	}
}

func main() {
	configPath := flag.String("config", "pocksup.toml", "Path to the TOML config file")
	flag.Usage = usage
	flag.Parse()

	logging.ConfigureRuntime()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == flag.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.SetLevel(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start client")
	}
	defer a.close()

	fs := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: pocksup %s %s\n", cmd.name, cmd.args)
		fs.PrintDefaults()
	}

	if cmd.connect {
		if err := a.client.Connect(ctx); err != nil {
			a.close()
			log.Fatal().Err(err).Str("kind", string(network.KindOf(err))).Msg("failed to connect")
		}
	}

	err = cmd.run(ctx, a, fs, flag.Args()[1:])
	if errors.Is(err, errUsage) {
		fs.Usage()
		a.close()
		os.Exit(2)
	}
	if err != nil {
		a.close()
		log.Fatal().Err(err).Str("kind", string(network.KindOf(err))).Msgf("%s failed", cmd.name)
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	opts := cfg.ClientOptions()
	opts.Credentials = db
	opts.MessageLog = db
	opts.Store = db
	client, err := network.NewClient(opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.LoadDirectory(ctx, client.Directory()); err != nil {
		log.Warn().Err(err).Msg("failed to load contacts and groups")
	}
	return &app{cfg: cfg, db: db, client: client}, nil
}

func (a *app) close() {
	a.client.Close()
	a.db.Close()
}
