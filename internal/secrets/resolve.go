// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package secrets

import (
	"errors"
	"strings"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/spf13/viper"
)

const scheme = "keyring://"

// IsRef reports whether value is a keyring://service/key reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// ParseRef splits a keyring://service/key reference. The key may itself
// contain slashes.
func ParseRef(ref string) (service, key string, err error) {
	if !IsRef(ref) {
		return "", "", vigilerr.Errorf(vigilerr.CodeSecretInvalidInput, "not a keyring reference: %q", ref)
	}

	service, key, ok := strings.Cut(strings.TrimPrefix(ref, scheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", vigilerr.Errorf(vigilerr.CodeSecretInvalidInput,
			"invalid keyring reference %q: expected keyring://service/key", ref)
	}
	return service, key, nil
}

// Resolve returns the secret a keyring reference points at, or value itself
// when it is not a reference.
func Resolve(r Retriever, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}

	service, key, err := ParseRef(value)
	if err != nil {
		return "", err
	}

	secret, err := r.Retrieve(service, key)
	if err != nil {
		return "", vigilerr.Wrapf(err, vigilerr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring reference held in v with its secret.
// All keys are attempted; failures are joined and returned together so the
// caller can name every unresolved setting at once.
func ResolveViper(v *viper.Viper, r Retriever) error {
	var errs []error
	for _, key := range v.AllKeys() {
		raw := v.GetString(key)
		if !IsRef(raw) {
			continue
		}

		secret, err := Resolve(r, raw)
		if err != nil {
			errs = append(errs, vigilerr.Wrapf(err, vigilerr.CodeSecretResolveFailure, "config key %s", key))
			continue
		}
		v.Set(key, secret)
	}
	return errors.Join(errs...)
}
