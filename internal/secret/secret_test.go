// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secret

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	s, err := NewSealer(keyPath)
	require.NoError(t, err)

	sealed, err := s.Seal("ghp_supersecret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))
	assert.NotContains(t, sealed, "supersecret")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ghp_supersecret", opened)
}

func TestSealEmptyAndAlreadySealed(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	s, err := NewSealer(keyPath)
	require.NoError(t, err)

	out, err := s.Seal("")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	sealed, err := s.Seal("value")
	require.NoError(t, err)

	again, err := s.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again, "sealing a sealed value must be a no-op")
}

func TestOpenPlainValuePassesThrough(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	s, err := NewSealer(keyPath)
	require.NoError(t, err)

	out, err := s.Open("plain-token")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", out)
}

func TestKeyfilePersistsAcrossSealers(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")

	s1, err := NewSealer(keyPath)
	require.NoError(t, err)
	sealed, err := s1.Seal("token")
	require.NoError(t, err)

	// A second sealer using the same keyfile must open values from the first.
	s2, err := NewSealer(keyPath)
	require.NoError(t, err)
	opened, err := s2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", opened)
}

func TestOpenTamperedValueFails(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	s, err := NewSealer(keyPath)
	require.NoError(t, err)

	sealed, err := s.Seal("token")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "AAAA"
	_, err = s.Open(tampered)
	assert.Error(t, err)
}

func TestPassphraseSealer(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")

	s1, err := NewSealerWithPassphrase(keyPath, "correct horse")
	require.NoError(t, err)
	sealed, err := s1.Seal("token")
	require.NoError(t, err)

	// Same passphrase, same salt file: must round-trip.
	s2, err := NewSealerWithPassphrase(keyPath, "correct horse")
	require.NoError(t, err)
	opened, err := s2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", opened)

	// Wrong passphrase must fail authentication.
	s3, err := NewSealerWithPassphrase(keyPath, "wrong")
	require.NoError(t, err)
	_, err = s3.Open(sealed)
	assert.ErrorIs(t, err, ErrOpenFailed)
}
