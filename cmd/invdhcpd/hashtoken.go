package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/invdhcp/invdhcpd/internal/config"
)

func newHashTokenCommand() *cobra.Command {
	var (
		cost       int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "hashtoken [TOKEN]",
		Short: "Generate a bcrypt hash for api.token_hash",
		Long: `Generate a bcrypt hash of an API bearer token.

The token is taken from the argument, from stdin when it is not a terminal,
or from a hidden prompt. With --config the hash is written into the [api]
section of that file instead of being printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}
			token, err := readToken(args, os.Stdin, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return err
			}

			if configPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(hash))
				return nil
			}
			return storeTokenHash(configPath, string(hash), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "write the hash into this config file")
	return cmd
}

// storeTokenHash sets api.token_hash in the config file, keeping the rest
// of the [api] section.
func storeTokenHash(path, hash string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	apiCfg := cfg.API
	apiCfg.TokenHash = hash
	if err := config.WriteAPISection(path, &apiCfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "token hash written to %s\n", path)
	return nil
}

func readToken(args []string, stdin *os.File, prompt io.Writer) (string, error) {
	if len(args) > 0 {
		return nonEmpty(args[0])
	}

	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", fmt.Errorf("reading token: %w", err)
			}
		}
		return nonEmpty(scanner.Text())
	}

	fmt.Fprint(prompt, "Token: ")
	tok, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	fmt.Fprint(prompt, "Confirm: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(tok) != string(confirm) {
		return "", errors.New("tokens do not match")
	}
	return nonEmpty(string(tok))
}

func nonEmpty(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	return token, nil
}
