package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.Default()
}

// openInspectCache opens a cache in a per-test temp directory.
func openInspectCache(t *testing.T) *store.Cache {
	t.Helper()

	c, err := store.OpenCache(filepath.Join(t.TempDir(), "facts.db"), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	return c
}

// putFact commits a fact straight into the cache tier.
func putFact(t *testing.T, c *store.Cache, space, typ, entity string, value any) fact.Fact {
	t.Helper()

	f, err := fact.New(typ, entity, value, "")
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), space, f))

	return f
}

func TestShortRef(t *testing.T) {
	full := "sha256:" + strings.Repeat("ab", 32)

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"full ref truncated", full, "sha256:abababababab"},
		{"short ref unchanged", "sha256:abcd", "sha256:abcd"},
		{"empty unchanged", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shortRef(tt.ref))
		})
	}
}

func TestBuildFactListing(t *testing.T) {
	rows := []store.Row{
		{
			Space:      "main",
			Fact:       fact.Fact{Type: "reading", Entity: "sensor-1", Value: []byte(`{"celsius":20}`), Asserted: 1111},
			Ref:        fact.Ref("sha256:aaaa"),
			AccessedAt: 2222,
		},
		{
			Space:      "main",
			Fact:       fact.Fact{Type: "state", Entity: "door/front", Value: []byte(`"open"`), Asserted: 3333},
			Ref:        fact.Ref("sha256:bbbb"),
			AccessedAt: 4444,
		},
	}

	got := buildFactListing(rows)
	require.Len(t, got, 2)

	assert.Equal(t, "sensor-1", got[0].Entity)
	assert.Equal(t, "reading", got[0].Type)
	assert.Equal(t, "sha256:aaaa", got[0].Ref)
	assert.Equal(t, int64(len(`{"celsius":20}`)), got[0].Bytes)
	assert.Equal(t, int64(1111), got[0].Asserted)
	assert.Equal(t, int64(2222), got[0].Accessed)

	assert.Equal(t, "door/front", got[1].Entity)
	assert.Equal(t, int64(len(`"open"`)), got[1].Bytes)
}

func TestBuildFactListing_Empty(t *testing.T) {
	assert.Empty(t, buildFactListing(nil))
}

func TestBuildSpaceSummaries(t *testing.T) {
	c := openInspectCache(t)

	f1 := putFact(t, c, "alpha", "reading", "sensor-1", map[string]any{"celsius": 20})
	f2 := putFact(t, c, "alpha", "reading", "sensor-2", map[string]any{"celsius": 21})
	f3 := putFact(t, c, "beta", "state", "door/front", "open")

	spaces, err := buildSpaceSummaries(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, spaces, 2)

	// Spaces arrive sorted by name.
	assert.Equal(t, "alpha", spaces[0].Name)
	assert.Equal(t, 2, spaces[0].Facts)
	assert.Equal(t, int64(len(f1.Value)+len(f2.Value)), spaces[0].Bytes)

	assert.Equal(t, "beta", spaces[1].Name)
	assert.Equal(t, 1, spaces[1].Facts)
	assert.Equal(t, int64(len(f3.Value)), spaces[1].Bytes)
}

func TestBuildSpaceSummaries_EmptyCache(t *testing.T) {
	c := openInspectCache(t)

	spaces, err := buildSpaceSummaries(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, spaces)
}
