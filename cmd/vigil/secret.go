// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/vigil/internal/secrets"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// secretStore is the keyring surface the secret commands use.
type secretStore interface {
	Store(service, key, value string) error
	Retrieve(service, key string) (string, error)
	Delete(service, key string) error
}

// secretStoreFactory creates the secret store. It is a package-level
// variable so tests can substitute an in-memory implementation.
var secretStoreFactory = func() secretStore {
	return secrets.NewVault()
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store, read and delete secrets in the operating system keyring. " +
			"Config values of the form keyring://vigil/<name> resolve to these secrets.",
	}
	cmd.PersistentFlags().String("service", secrets.DefaultService, "keyring service name")

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretDeleteCmd(),
	)
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSecretSet,
	}
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a secret, masked unless --reveal is set",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("reveal", false, "print the secret in clear text")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]

	value := ""
	if len(args) == 2 {
		value = args[1]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return vigilerr.Errorf(vigilerr.CodeCLIInputInvalid, "reading secret value from stdin: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}

	if err := secretStoreFactory().Store(service, name, value); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s (reference: keyring://%s/%s)\n", name, service, name)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	reveal, _ := cmd.Flags().GetBool("reveal")
	name := args[0]

	value, err := secretStoreFactory().Retrieve(service, name)
	if err != nil {
		if vigilerr.HasCode(err, vigilerr.CodeSecretNotFound) {
			return vigilerr.Errorf(vigilerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return err
	}
	if !reveal {
		value = mask(value)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]

	if err := secretStoreFactory().Delete(service, name); err != nil {
		if vigilerr.HasCode(err, vigilerr.CodeSecretNotFound) {
			return vigilerr.Errorf(vigilerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return vigilerr.Errorf(vigilerr.CodeSecretDeleteFailure, "deleting secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}

// mask keeps the last four characters of values long enough to stay secret.
func mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}
