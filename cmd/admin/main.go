package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/models"
	"chatgogo/rendezvous/internal/storage"

	"github.com/joho/godotenv"
)

const usage = "Usage: admin [-config path] <list|show <room_id>|delete <room_id>|cleanup>"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Println(usage)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Store, storage.WithLogger(logger.Setup(cfg.Env)))
	if err != nil {
		log.Fatalf("failed to open room store: %v", err)
	}
	defer store.Close()

	switch args[0] {
	case "list":
		if err := listRooms(ctx, store); err != nil {
			log.Fatalf("Error listing rooms: %v", err)
		}
	case "show":
		if len(args) != 2 {
			fmt.Println("Usage: admin show <room_id>")
			os.Exit(1)
		}
		if err := showRoom(ctx, store, args[1]); err != nil {
			log.Fatalf("Error reading room: %v", err)
		}
	case "delete":
		if len(args) != 2 {
			fmt.Println("Usage: admin delete <room_id>")
			os.Exit(1)
		}
		if err := store.DeleteRoom(ctx, args[1]); err != nil {
			log.Fatalf("Error deleting room: %v", err)
		}
		fmt.Printf("Room %s has been deleted.\n", args[1])
	case "cleanup":
		n, err := store.CleanupExpired(ctx)
		if err != nil {
			log.Fatalf("Error cleaning up: %v", err)
		}
		fmt.Printf("Removed %d expired room(s).\n", n)
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func listRooms(ctx context.Context, s storage.RoomStore) error {
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt < rooms[j].CreatedAt })

	now := time.Now()
	fmt.Printf("%-36s  %-8s  %s\n", "ROOM", "STATE", "REMAINING")
	for _, r := range rooms {
		fmt.Printf("%-36s  %-8s  %s\n", r.ID, roomState(r, now), r.Remaining(now).Truncate(time.Second))
	}
	fmt.Printf("%d room(s)\n", len(rooms))
	return nil
}

func showRoom(ctx context.Context, s storage.RoomStore, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return storage.ErrRoomNotFound
	}

	now := time.Now()
	fmt.Println("ID:       ", room.ID)
	fmt.Println("State:    ", roomState(room, now))
	fmt.Println("Created:  ", time.UnixMilli(room.CreatedAt).Format(time.RFC3339))
	fmt.Println("Expires:  ", room.ExpiresTime().Format(time.RFC3339))
	fmt.Println("Host:     ", room.HostAddress)
	fmt.Println("Guest:    ", room.GuestAddress)
	return nil
}

func roomState(r *models.Room, now time.Time) string {
	switch {
	case r.IsExpired(now):
		return "expired"
	case r.GuestAddress != "":
		return "paired"
	default:
		return "waiting"
	}
}
