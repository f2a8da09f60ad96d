package catalog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateLookupDrop(t *testing.T) {
	c := New()
	id := uuid.New()

	col, err := c.Create("test.foo", id, CollectionOptions{})
	require.NoError(t, err)
	require.Equal(t, "test.foo", col.NSS)

	byUUID, ok := c.LookupByUUID(id)
	require.True(t, ok)
	require.Same(t, col, byUUID)

	byNSS, ok := c.LookupByNSS("test.foo")
	require.True(t, ok)
	require.Same(t, col, byNSS)

	_, err = c.Create("test.foo", uuid.New(), CollectionOptions{})
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, c.Drop(id))
	_, ok = c.LookupByNSS("test.foo")
	require.False(t, ok)
	_, ok = c.LookupByUUID(id)
	require.False(t, ok)
}

func TestRenameKeepsUUIDBinding(t *testing.T) {
	c := New()
	id := uuid.New()
	_, err := c.Create("test.foo", id, CollectionOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Rename(id, "test.bar"))

	_, ok := c.LookupByNSS("test.foo")
	require.False(t, ok)

	col, ok := c.LookupByNSS("test.bar")
	require.True(t, ok)
	require.Equal(t, id, col.UUID)

	byUUID, ok := c.LookupByUUID(id)
	require.True(t, ok)
	require.Equal(t, "test.bar", byUUID.NSS)
}

func TestViewInvalidationOnWrite(t *testing.T) {
	c := New()
	c.RegisterView(&ViewDefinition{NSS: "test.myview", ViewOn: "test.foo"})

	_, ok := c.LookupView("test.myview")
	require.True(t, ok)

	c.InvalidateViewsForNSS("test.foo")

	_, ok = c.LookupView("test.myview")
	require.False(t, ok)
}

func TestResolveNSSByUUID(t *testing.T) {
	c := New()
	id := uuid.New()
	_, err := c.Create("test.foo", id, CollectionOptions{})
	require.NoError(t, err)

	nss, ok := c.ResolveNSS("ignored.stale.name", &id)
	require.True(t, ok)
	require.Equal(t, "test.foo", nss)

	unknown := uuid.New()
	_, ok = c.ResolveNSS("ignored", &unknown)
	require.False(t, ok)
}

func TestIsCapped(t *testing.T) {
	c := New()
	id := uuid.New()
	_, err := c.Create("test.capped", id, CollectionOptions{Capped: true})
	require.NoError(t, err)

	require.True(t, c.IsCapped("test.capped"))
	require.False(t, c.IsCapped("test.nonexistent"))
}
