package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"chatgogo/rendezvous/internal/chathub"
	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"
	"chatgogo/rendezvous/internal/transport"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "chat",
		Short: "Anonymous 1:1 terminal chat",
		Long:  "Meets a stranger through the shared room registry and talks to them over a direct WebRTC data channel.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "config/local.yaml"), "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Create a room and wait for someone to join it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSession(cmd.Context(), func(ctx context.Context, s *chathub.Session) error {
					return s.CreateNewRoom(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "join [room]",
			Short: "Join a room by id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				roomID := args[0]
				return runSession(cmd.Context(), func(ctx context.Context, s *chathub.Session) error {
					return s.JoinExistingRoom(ctx, roomID)
				})
			},
		},
		&cobra.Command{
			Use:   "random",
			Short: "Talk to a random stranger",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSession(cmd.Context(), func(ctx context.Context, s *chathub.Session) error {
					return s.FindRandomMatch(ctx)
				})
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runSession(ctx context.Context, start func(context.Context, *chathub.Session) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Discard()
	if verbose {
		log = logger.New(cfg.Env, os.Stderr)
	}

	store, err := storage.Open(ctx, cfg.Store, storage.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open room store: %w", err)
	}
	defer store.Close()

	link := transport.NewBrokerLink(cfg.Broker.URL, log)
	endpoint := transport.NewWebRTCEndpoint(link, cfg.WebRTC.STUNServers, log)

	ended := make(chan struct{})
	session := chathub.NewSession(store, endpoint, printer(ended), chathub.WithLogger(log))
	defer session.Disconnect()

	if err := start(ctx, session); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(lines)

	fmt.Println("Type messages and press Enter to send. Ctrl+C to leave.")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nLeaving.")
			return nil
		case <-ended:
			return nil
		case <-session.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if session.Status().IsTerminal() {
				return nil
			}
			if line == "" {
				continue
			}
			if session.SendMessage(line) == nil {
				fmt.Println("(not delivered: no peer connected)")
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

// printer writes session events to stdout and closes ended once the
// session reaches a terminal status.
func printer(ended chan<- struct{}) chathub.Observer {
	var lastMinute time.Duration = -1
	var once sync.Once

	return chathub.ObserverFuncs{
		Message: func(msg *models.ChatMessage) {
			fmt.Printf("[%s] stranger: %s\n", time.UnixMilli(msg.Timestamp).Format("15:04:05"), msg.Text)
		},
		StatusChange: func(status models.Status, err error) {
			if err != nil {
				fmt.Printf("* %s: %v\n", status, err)
			} else {
				fmt.Printf("* %s\n", status)
			}
			if status.IsTerminal() {
				once.Do(func() { close(ended) })
			}
		},
		PeerConnected: func() {
			fmt.Println("* stranger connected, say hi")
		},
		PeerDisconnected: func() {
			fmt.Println("* stranger left the chat")
		},
		RoomCreated: func(roomID string) {
			fmt.Printf("* room %s created, share this id: chat join %s\n", roomID, roomID)
		},
		TimeUpdate: func(remaining time.Duration) {
			minute := remaining.Truncate(time.Minute)
			if minute == lastMinute {
				return
			}
			lastMinute = minute
			if remaining <= 5*time.Minute {
				fmt.Printf("* %s left\n", remaining.Truncate(time.Second))
			}
		},
	}
}
