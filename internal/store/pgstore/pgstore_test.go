package pgstore

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/internal/store"
)

// requireTestDB skips the test unless CONVERGE_TEST_POSTGRES_DSN points at a
// reachable database; these tests exercise the real driver and schema, not a
// mock, so they are opt-in for environments with Postgres available. The DSN
// is a space-separated key=value list, e.g. "host=localhost port=5432
// user=postgres password=postgres dbname=converge sslmode=disable".
func requireTestDB(t *testing.T) Config {
	t.Helper()
	dsn := os.Getenv("CONVERGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVERGE_TEST_POSTGRES_DSN not set")
	}

	cfg := Config{SSLMode: "disable"}
	for _, field := range strings.Fields(dsn) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "host":
			cfg.Host = kv[1]
		case "port":
			port, err := strconv.Atoi(kv[1])
			require.NoError(t, err)
			cfg.Port = port
		case "user":
			cfg.User = kv[1]
		case "password":
			cfg.Password = kv[1]
		case "dbname":
			cfg.Database = kv[1]
		case "sslmode":
			cfg.SSLMode = kv[1]
		}
	}
	return cfg
}

func TestPutGetRoundTrip(t *testing.T) {
	cfg := requireTestDB(t)
	ctx := context.Background()
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "pgstore-test-k", []byte("v")))
	got, err := s.Get(ctx, "pgstore-test-k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	_ = s.Delete(ctx, "pgstore-test-k")
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	cfg := requireTestDB(t)
	ctx := context.Background()
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "pgstore-test-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutIfAbsentOnlyWritesOnce(t *testing.T) {
	cfg := requireTestDB(t)
	ctx := context.Background()
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	defer s.Delete(ctx, "pgstore-test-absent")

	ok, err := s.PutIfAbsent(ctx, "pgstore-test-absent", []byte("first"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PutIfAbsent(ctx, "pgstore-test-absent", []byte("second"))
	require.NoError(t, err)
	assert.False(t, ok)
}
