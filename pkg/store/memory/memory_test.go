package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ModelStore {
		return New()
	})
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "w", storetest.NewState("w")))

	got, err := s.Load(ctx, "w")
	require.NoError(t, err)
	got.Model[0] = 'X'

	again, err := s.Load(ctx, "w")
	require.NoError(t, err)
	assert.NotEqual(t, byte('X'), again.Model[0])
	assert.Equal(t, 1, s.SaveCount("w"))
}
