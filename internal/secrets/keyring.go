// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package secrets keeps provider credentials in the operating system keyring
// and resolves keyring:// references found in configuration.
package secrets

import (
	"errors"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service Vigil stores its secrets under.
const DefaultService = "vigil"

// Retriever looks up one secret.
type Retriever interface {
	Retrieve(service, key string) (string, error)
}

// Vault stores, fetches and removes secrets in the OS keyring (Keychain on
// macOS, secret-service on Linux, Credential Manager on Windows).
type Vault struct{}

// NewVault returns a keyring-backed Vault.
func NewVault() *Vault {
	return &Vault{}
}

func checkRef(op, service, key string) error {
	if service == "" || key == "" {
		return vigilerr.Errorf(vigilerr.CodeSecretInvalidInput, "secret %s: service and key must not be empty", op)
	}
	return nil
}

// Store saves value under service/key, replacing any previous value.
func (v *Vault) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}
	if value == "" {
		return vigilerr.New(vigilerr.CodeSecretInvalidInput, "secret store: value must not be empty")
	}

	if err := keyring.Set(service, key, value); err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return nil
}

// Retrieve returns the secret at service/key.
func (v *Vault) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}

	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", vigilerr.Errorf(vigilerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", vigilerr.Wrapf(err, vigilerr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

// Delete removes the secret at service/key.
func (v *Vault) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}

	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return vigilerr.Errorf(vigilerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return nil
}
