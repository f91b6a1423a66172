package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/creds"
	"github.com/tillsync/tillsync/internal/transport"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials for the back-office server",
	Long: `Login verifies the account against the remote store and writes the
credentials file future syncs read. With --encrypt the file is sealed
with a passphrase; syncs then need TILLSYNC_CREDS_PASSPHRASE set.`,
	Example: `  tillsync login --url https://sync.example.com --username till-07
  tillsync login --url https://sync.example.com --username till-07 --encrypt`,
	RunE: runLogin,
}

var (
	loginURL      string
	loginUsername string
	loginPassword string
	loginEncrypt  bool
	loginNoVerify bool
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVar(&loginURL, "url", "",
		"Remote store URL (required)")
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "",
		"Account username (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "",
		"Account password (will prompt if not provided)")
	loginCmd.Flags().BoolVar(&loginEncrypt, "encrypt", false,
		"Encrypt the credentials file with a passphrase")
	loginCmd.Flags().BoolVar(&loginNoVerify, "no-verify", false,
		"Skip the connectivity check before saving")

	_ = loginCmd.MarkFlagRequired("url")
	_ = loginCmd.MarkFlagRequired("username")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginPassword == "" {
		var err error
		loginPassword, err = promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	if !loginNoVerify {
		remote := transport.NewClient(&config.RemoteConfig{
			URL:      loginURL,
			Username: loginUsername,
			Password: loginPassword,
			Timeout:  cfg.Remote.Timeout,
		}, cfg.Sync.Heartbeat, logger.WithField("command", "login"))
		defer remote.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := remote.Ping(ctx); err != nil {
			printError("Could not reach %s: %v", loginURL, err)
			return err
		}
	}

	passphrase := ""
	if loginEncrypt {
		var err error
		passphrase, err = promptPassword("Passphrase for credentials file: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		confirm, err := promptPassword("Confirm passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}
	}

	path := credentialsPath()
	err := creds.Save(path, &creds.Credentials{
		URL:      loginURL,
		Username: loginUsername,
		Password: loginPassword,
	}, passphrase)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"username": loginUsername,
			"file":     path,
		})
	} else {
		printSuccess("Credentials for %s saved to %s", loginUsername, path)
	}
	return nil
}

func credentialsPath() string {
	if cfg.Remote.CredentialsFile != "" {
		return cfg.Remote.CredentialsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "tillsync-credentials.json"
	}
	return filepath.Join(home, ".config", "tillsync", "credentials.json")
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(password), nil
}
