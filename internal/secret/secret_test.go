package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SealOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewEphemeralStore(ctx)
	require.NoError(t, err)

	sealed, err := store.Seal(ctx, "hunter2")
	require.NoError(t, err)

	plaintext, err := sealed.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestStore_EmptyPlaintext(t *testing.T) {
	ctx := context.Background()
	store, err := NewEphemeralStore(ctx)
	require.NoError(t, err)

	sealed, err := store.Seal(ctx, "")
	require.NoError(t, err)

	plaintext, err := sealed.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestSealed_FormattingNeverLeaks(t *testing.T) {
	ctx := context.Background()
	store, err := NewEphemeralStore(ctx)
	require.NoError(t, err)

	sealed, err := store.Seal(ctx, "hunter2")
	require.NoError(t, err)

	for _, rendered := range []string{
		fmt.Sprintf("%s", sealed),
		fmt.Sprintf("%v", sealed),
		fmt.Sprintf("%+v", sealed),
		fmt.Sprintf("%#v", sealed),
	} {
		assert.Equal(t, "[sealed]", rendered)
		assert.NotContains(t, rendered, "hunter2")
	}
}

func TestSealed_NilOpensEmpty(t *testing.T) {
	var sealed *Sealed
	plaintext, err := sealed.Open(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()

	first, err := NewEphemeralStore(ctx)
	require.NoError(t, err)
	second, err := NewEphemeralStore(ctx)
	require.NoError(t, err)

	sealed, err := first.Seal(ctx, "hunter2")
	require.NoError(t, err)

	// rebind the sealed blob to the other store's wrapper
	foreign := &Sealed{store: second, blob: sealed.blob}
	_, err = foreign.Open(ctx)
	assert.Error(t, err, "a different store's key must not open the secret")
}
