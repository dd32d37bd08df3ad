package main

import (
	"fmt"
	"os"

	"fedchat/internal/archive"
)

type historyCommand struct {
	Limit int `short:"n" long:"limit" description:"Maximum number of messages to show" default:"50"`
	Args  struct {
		Room string `positional-arg-name:"room" description:"Room ID (omit to list rooms)"`
	} `positional-args:"true"`
}

func (cmd *historyCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	arc, err := archive.Open(cfg.archivePath())
	if err != nil {
		return err
	}
	defer arc.Close()

	if cmd.Args.Room == "" {
		rooms, err := arc.Rooms()
		if err != nil {
			return err
		}
		for _, room := range rooms {
			fmt.Println(room)
		}
		return nil
	}

	msgs, err := arc.RoomMessages(cmd.Args.Room, cmd.Limit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Printf("%s: %s\n", msg.Sender, msg.Body)
	}
	return nil
}
