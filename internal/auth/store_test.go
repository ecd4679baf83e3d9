package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.yaml"))
	require.NoError(t, err)

	return store
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := tempStore(t)

	creds, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, creds)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	store := tempStore(t)

	expires := time.Now().Add(time.Hour).UTC()
	saved := &Credentials{
		Token:     "tok-123",
		RelayURL:  "wss://relay.example.com/ws",
		ExpiresAt: expires,
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "tok-123", loaded.Token)
	require.Equal(t, "wss://relay.example.com/ws", loaded.RelayURL)
	require.WithinDuration(t, expires, loaded.ExpiresAt, time.Second)
}

func TestFileStore_SaveReplacesExisting(t *testing.T) {
	store := tempStore(t)

	require.NoError(t, store.Save(&Credentials{Token: "old"}))
	require.NoError(t, store.Save(&Credentials{Token: "new"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "new", loaded.Token)

	// The temp file from the atomic write never survives.
	_, err = os.Stat(store.Path() + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestFileStore_ClearRemovesCredentials(t *testing.T) {
	store := tempStore(t)

	require.NoError(t, store.Save(&Credentials{Token: "tok"}))
	require.NoError(t, store.Clear())

	creds, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, creds)

	// Clearing again is a no-op.
	require.NoError(t, store.Clear())
}

func TestFileStore_LoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: [unclosed"), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse credentials")
}

func TestFileStore_DefaultPathUnderHome(t *testing.T) {
	store, err := NewFileStore("")
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".browsermcp", "credentials.yaml"), store.Path())
}

func TestCredentials_Authenticated(t *testing.T) {
	var none *Credentials
	require.False(t, none.Authenticated())
	require.False(t, (&Credentials{}).Authenticated())
	require.True(t, (&Credentials{Token: "tok"}).Authenticated())
}

func TestCredentials_Expired(t *testing.T) {
	now := time.Now()

	var none *Credentials
	require.False(t, none.Expired(now))

	// Zero expiry never expires.
	require.False(t, (&Credentials{Token: "tok"}).Expired(now))

	require.False(t, (&Credentials{ExpiresAt: now.Add(time.Minute)}).Expired(now))
	require.True(t, (&Credentials{ExpiresAt: now.Add(-time.Minute)}).Expired(now))
}
