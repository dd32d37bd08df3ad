// Command fedchat is a CLI for an end-to-end encrypted federated chat
// account.
//
// Usage:
//
//	fedchat register            Publish this device's keys to the homeserver
//	fedchat send <room> <msg>   Send an encrypted text message
//	fedchat listen              Receive, decrypt, archive and print messages
//	fedchat history <room>      Show archived messages for a room
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	flags "github.com/jessevdk/go-flags"

	client "fedchat"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to TOML config file (default: ~/.config/fedchat/config.toml)"`
	Store   string `long:"store" description:"Path to the encrypted session store"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Register registerCommand `command:"register" description:"Publish this device's identity and one-time keys"`
	Keys     keysCommand     `command:"keys" description:"Show this device's public keys"`
	Send     sendCommand     `command:"send" description:"Send an encrypted text message to a room"`
	Listen   listenCommand   `command:"listen" description:"Receive and print incoming messages"`
	History  historyCommand  `command:"history" description:"Show archived messages for a room"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// config is the TOML file the CLI reads account settings from. Flags
// override file values.
type config struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	DeviceID    string `toml:"device_id"`
	AccessToken string `toml:"access_token"`
	Passphrase  string `toml:"passphrase"`
	StorePath   string `toml:"store_path"`
	ArchivePath string `toml:"archive_path"`
}

func loadConfig() (*config, error) {
	path := opts.Config
	if path == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(confDir, "fedchat", "config.toml")
	}

	var cfg config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if opts.Store != "" {
		cfg.StorePath = opts.Store
	}

	for _, f := range []struct{ name, val string }{
		{"homeserver", cfg.Homeserver},
		{"user_id", cfg.UserID},
		{"device_id", cfg.DeviceID},
		{"access_token", cfg.AccessToken},
		{"passphrase", cfg.Passphrase},
	} {
		if f.val == "" {
			return nil, fmt.Errorf("config %s: missing required key %q", path, f.name)
		}
	}
	return &cfg, nil
}

func (cfg *config) clientOpts() []client.Option {
	var copts []client.Option
	if cfg.StorePath != "" {
		copts = append(copts, client.WithStorePath(cfg.StorePath))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts
}

func (cfg *config) archivePath() string {
	if cfg.ArchivePath != "" {
		return cfg.ArchivePath
	}
	return filepath.Join(client.DefaultDataDir(), "messages.db")
}

// openClient loads the config and session store or exits with an error.
func openClient() (*client.Client, *config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	c, err := client.Open(cfg.Homeserver, cfg.UserID, cfg.DeviceID,
		cfg.AccessToken, cfg.Passphrase, cfg.clientOpts()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c, cfg
}
