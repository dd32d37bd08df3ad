package main

import "fmt"

type keysCommand struct{}

func (cmd *keysCommand) Execute(args []string) error {
	c, _ := openClient()
	defer c.Close()

	identity, signing, err := c.IdentityKeys()
	if err != nil {
		return err
	}
	fmt.Printf("curve25519: %s\n", identity)
	fmt.Printf("ed25519:    %s\n", signing)
	return nil
}
