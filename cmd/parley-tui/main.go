package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/codefionn/parley/internal/config"
	"github.com/codefionn/parley/internal/lockfile"
	"github.com/codefionn/parley/internal/logger"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/room"
	"github.com/codefionn/parley/internal/secret"
	"github.com/codefionn/parley/internal/store"
	"github.com/codefionn/parley/internal/tui"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults to ~/.config/parley/config.json)")
	address    = flag.String("address", "", "WebSocket address of the chat server")
	roomName   = flag.String("room", "", "Room to join")
	nick       = flag.String("nick", "", "Nickname to identify with")
	askPass    = flag.Bool("ask-password", false, "Prompt for the room password instead of reading it from config")
)

func main() {
	flag.Parse()

	path := *configPath
	if path == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, ".config", "parley", "config.json")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *roomName != "" {
		cfg.Server.Room = *roomName
	}
	if *nick != "" {
		cfg.Server.Nick = *nick
	}
	if cfg.Server.Address == "" || cfg.Server.Room == "" {
		log.Fatalf("An address and a room are required (see -address and -room)")
	}

	if *askPass {
		fmt.Print("Room password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		cfg.Server.Password = string(pw)
	}
	defer secret.Purge()

	// Stdout belongs to the TUI; logs go to the file only.
	if err := logger.Init(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Path); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Global().Close()

	lock := lockfile.New(cfg.DBPath + ".lock")
	if err := lock.TryAcquire(); err != nil {
		log.Fatalf("Failed to lock message database: %v", err)
	}
	defer lock.Release()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}
	defer st.Close()

	sess, err := room.New(room.Options{
		Address:         cfg.Server.Address,
		RoomName:        cfg.Server.Room,
		Nick:            cfg.Server.Nick,
		Password:        cfg.Server.Password,
		Dialer:          &protocol.WSDialer{},
		Store:           st,
		BackoffInitial:  cfg.Backoff.Initial(),
		BackoffMax:      cfg.Backoff.Max(),
		ReplyTimeout:    cfg.ReplyTimeout(),
		HistoryPageSize: cfg.History.PageSize,
		HydrateLimit:    cfg.History.HydrateLimit,
	})
	if err != nil {
		log.Fatalf("Failed to create room session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess.Start(ctx)
	defer sess.Stop()

	facade := sess.Facade()
	if err := facade.Connect(); err != nil {
		log.Fatalf("Failed to start connecting: %v", err)
	}

	if err := tui.Run(ctx, facade, cfg.Server.Room); err != nil {
		log.Fatalf("TUI exited with error: %v", err)
	}
}
