package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_RoundTripAndLookup(t *testing.T) {
	c := New("1.0.0")
	c.Add(Subscription{Channel: "b", Handler: "h1"})
	c.Add(Subscription{Channel: "a", Handler: "h2"})
	c.Add(Subscription{Channel: "b", Handler: "h3", Ingress: true})

	assert.Equal(t, []string{"a", "b"}, c.Channels())
	require.Len(t, c.ForChannel("b"), 2)
	assert.Equal(t, "h3", c.ForChannel("b")[1].Handler)

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, c.WriteFile(path))

	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, c.Subscriptions, loaded.Subscriptions)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
