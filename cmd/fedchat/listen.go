package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"fedchat/internal/archive"
)

type listenCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, cfg := openClient()
	defer c.Close()

	arc, err := archive.Open(cfg.archivePath())
	if err != nil {
		return err
	}
	defer arc.Close()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if err := arc.Record(&msg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		lock := " "
		if msg.Encrypted {
			lock = "*"
		}
		fmt.Printf("[%s]%s %s: %s\n", msg.RoomID, lock, msg.Sender, msg.Body)
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}

	return nil
}
