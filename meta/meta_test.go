package meta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	md := New()
	md.Set("key", "value")

	ctx := md.WithContext(context.Background())
	got, err := Get[string](ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestGetMissingKey(t *testing.T) {
	_, err := Get[string](context.Background(), "absent")
	assert.Error(t, err)
}

func TestGetTypeMismatch(t *testing.T) {
	md := New()
	md.Set("count", 7)
	ctx := md.WithContext(context.Background())

	_, err := Get[string](ctx, "count")
	assert.Error(t, err)

	n, err := Get[int](ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestMustGetPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustGet[string](context.Background(), "absent")
	})
}

func TestWithSource(t *testing.T) {
	ctx := WithSource(context.Background(), "service")
	assert.Equal(t, "service", Source(ctx))

	// Re-tagging an already tagged context updates in place.
	ctx = WithSource(ctx, "backend")
	assert.Equal(t, "backend", Source(ctx))

	assert.Equal(t, "", Source(context.Background()))
}

func TestFromContextWithoutMetadata(t *testing.T) {
	md := FromContext(context.Background())
	require.NotNil(t, md)
	_, ok := md.Get("anything")
	assert.False(t, ok)
}
