package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/codefionn/parley/internal/config"
	"github.com/codefionn/parley/internal/lockfile"
	"github.com/codefionn/parley/internal/logger"
	"github.com/codefionn/parley/internal/protocol"
	"github.com/codefionn/parley/internal/room"
	"github.com/codefionn/parley/internal/secret"
	"github.com/codefionn/parley/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults to ~/.config/parley/config.json)")
	address    = flag.String("address", "", "WebSocket address of the chat server")
	roomName   = flag.String("room", "", "Room to join")
	nick       = flag.String("nick", "", "Nickname to identify with")
	dbPath     = flag.String("db", "", "Path to SQLite message database (defaults to config value)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
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

	// Flags win over config file and environment.
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *roomName != "" {
		cfg.Server.Room = *roomName
	}
	if *nick != "" {
		cfg.Server.Nick = *nick
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.Start(ctx)
	defer sess.Stop()

	facade := sess.Facade()
	token, changes := facade.Subscribe()
	defer facade.Unsubscribe(token)
	go render(ctx, facade, changes)

	fmt.Printf("Joining &%s on %s\n", cfg.Server.Room, cfg.Server.Address)
	if err := facade.Connect(); err != nil {
		log.Fatalf("Failed to start connecting: %v", err)
	}

	readInput(ctx, facade)
}

// render prints state transitions, fresh messages, and notices as the
// room changes. Snapshots are cheap; the change channel only coalesces.
func render(ctx context.Context, facade *room.Facade, changes <-chan struct{}) {
	lastState := room.State(-1)
	printed := make(map[protocol.MessageID]bool)
	noticesSeen := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}

		snap := facade.Snapshot()
		if snap.State != lastState {
			lastState = snap.State
			switch snap.State {
			case room.StateActive:
				fmt.Printf("* connected as %s (%d online)\n", snap.Nick, len(snap.Roster))
			case room.StateAwaitingNick:
				fmt.Println("* a nickname is required: /nick <name>")
			case room.StateDisconnected:
				if !snap.ReconnectAt.IsZero() {
					fmt.Printf("* connection lost (%s), retrying at %s\n",
						snap.LastError, snap.ReconnectAt.Format("15:04:05"))
				} else if snap.LastError != "" {
					fmt.Printf("* disconnected: %s\n", snap.LastError)
				}
			case room.StateStopped:
				fmt.Printf("* room closed: %s\n", snap.LastError)
			}
		}

		for _, m := range snap.Messages {
			if printed[m.ID] || m.Deleted {
				continue
			}
			printed[m.ID] = true
			indent := strings.Repeat("  ", m.Depth)
			fmt.Printf("%s[%s] %s: %s\n", indent, m.Time.Format("15:04"), m.Nick, m.Content)
		}

		if noticesSeen > len(snap.Notices) {
			noticesSeen = len(snap.Notices)
		}
		for ; noticesSeen < len(snap.Notices); noticesSeen++ {
			fmt.Printf("* %s\n", snap.Notices[noticesSeen].Text)
		}
	}
}

func readInput(ctx context.Context, facade *room.Facade) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := facade.Send(line, ""); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
			continue
		}

		cmd, rest, _ := strings.Cut(line[1:], " ")
		rest = strings.TrimSpace(rest)
		switch cmd {
		case "nick":
			if rest == "" {
				fmt.Println("* usage: /nick <name>")
				continue
			}
			err := facade.SupplyNick(rest)
			if err == room.ErrNotConnected {
				_, err = facade.ChangeNick(rest)
			}
			if err != nil {
				fmt.Printf("* nick failed: %v\n", err)
			}
		case "reply":
			parent, text, ok := strings.Cut(rest, " ")
			if !ok || strings.TrimSpace(text) == "" {
				fmt.Println("* usage: /reply <message-id> <text>")
				continue
			}
			if _, err := facade.Send(strings.TrimSpace(text), protocol.MessageID(parent)); err != nil {
				fmt.Printf("* reply failed: %v\n", err)
			}
		case "more":
			if err := facade.FetchMoreHistory(); err != nil {
				fmt.Printf("* history fetch failed: %v\n", err)
			}
		case "who":
			snap := facade.Snapshot()
			fmt.Printf("* %d online:\n", len(snap.Roster))
			for _, e := range snap.Roster {
				fmt.Printf("*   %s (%d session(s))\n", e.Nick, e.Sessions)
			}
		case "clear":
			facade.ClearNotices()
		case "quit":
			return
		default:
			fmt.Printf("* unknown command /%s\n", cmd)
		}
	}
}
