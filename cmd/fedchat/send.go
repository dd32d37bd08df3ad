package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		Room    string `positional-arg-name:"room" required:"true" description:"Room ID (!abc:example.org)"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _ := openClient()
	defer c.Close()

	eventID, err := c.Send(ctx, cmd.Args.Room, cmd.Args.Message)
	if err != nil {
		return err
	}

	fmt.Printf("Sent %s to %s\n", eventID, cmd.Args.Room)
	return nil
}
