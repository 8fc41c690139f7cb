// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// ErrSecretNotFound is returned when neither the environment variable nor
// the secret file holds a value.
var ErrSecretNotFound = errors.New("secret not found")

// LoadSecret reads a credential from envVar, falling back to the mounted
// secret file at path (Podman/Docker secrets). The value is sealed in a
// memguard enclave; the plaintext copy read from the environment or file is
// wiped by memguard.
func LoadSecret(envVar, path string) (*memguard.Enclave, error) {
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return memguard.NewEnclave([]byte(v)), nil
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			trimmed := []byte(strings.TrimSpace(string(data)))
			memguard.WipeBytes(data)
			if len(trimmed) > 0 {
				return memguard.NewEnclave(trimmed), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: env %q, file %q", ErrSecretNotFound, envVar, path)
}

// Reveal decrypts an enclave into a string. Callers hand the result straight
// to the client that needs it and drop it.
func Reveal(e *memguard.Enclave) (string, error) {
	buf, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("open secret enclave: %w", err)
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}
