package redistest

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := NewRedis(ctx, t)
	require.NoError(t, rd.Client.Set(ctx, "k", "v", 0).Err())
	assert.Equal(t, "v", rd.Client.Get(ctx, "k").Val())
	rd.Close(t)
	_, err := os.Stat(rd.Socket)
	assert.True(t, os.IsNotExist(err))
}
