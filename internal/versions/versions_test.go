package versions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDefaults(t *testing.T) {
	s := NewStatic(nil)

	v, ok := s.GetLatestVersion(context.Background(), "chrome")
	require.True(t, ok)
	assert.Equal(t, 139, v)

	_, ok = s.GetLatestVersion(context.Background(), "netscape")
	assert.False(t, ok)
}

func TestStaticCaseInsensitive(t *testing.T) {
	s := NewStatic(nil)

	a, ok := s.GetLatestVersion(context.Background(), "Firefox")
	require.True(t, ok)
	b, ok2 := s.GetLatestVersion(context.Background(), "firefox")
	require.True(t, ok2)
	assert.Equal(t, a, b)
}

func TestStaticOverrides(t *testing.T) {
	s := NewStatic(map[string]int{"Chrome": 150, "newbrowser": 3, "ignored": 0})

	v, ok := s.GetLatestVersion(context.Background(), "chrome")
	require.True(t, ok)
	assert.Equal(t, 150, v)

	v, ok = s.GetLatestVersion(context.Background(), "newbrowser")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = s.GetLatestVersion(context.Background(), "ignored")
	assert.False(t, ok, "non-positive overrides are dropped")
}

func TestStaticSetLatestVersion(t *testing.T) {
	s := NewStatic(nil)

	s.SetLatestVersion("Chrome", 142)
	v, _ := s.GetLatestVersion(context.Background(), "chrome")
	assert.Equal(t, 142, v)

	s.SetLatestVersion("chrome", 0) // ignored
	v, _ = s.GetLatestVersion(context.Background(), "chrome")
	assert.Equal(t, 142, v)
}

func TestStaticSnapshotIsCopy(t *testing.T) {
	s := NewStatic(nil)
	snap := s.Snapshot()
	snap["chrome"] = 1

	v, _ := s.GetLatestVersion(context.Background(), "chrome")
	assert.Equal(t, 139, v, "mutating the snapshot does not touch the table")
}
