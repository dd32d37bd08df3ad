package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type registerCommand struct{}

func (cmd *registerCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, _ := openClient()
	defer c.Close()

	if err := c.RegisterDevice(ctx); err != nil {
		return err
	}

	identity, signing, err := c.IdentityKeys()
	if err != nil {
		return err
	}
	fmt.Println("Device keys published:")
	fmt.Printf("  curve25519: %s\n", identity)
	fmt.Printf("  ed25519:    %s\n", signing)
	return nil
}
