package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "runs/job-1/attempt-1.log", "text/plain", strings.NewReader("line\n"))
	require.NoError(t, err)
	require.Equal(t, "memory://runs/job-1/attempt-1.log", uri)

	body, contentType, ok := store.Object("runs/job-1/attempt-1.log")
	require.True(t, ok)
	require.Equal(t, "line\n", string(body))
	require.Equal(t, "text/plain", contentType)

	body[0] = 'L'
	again, _, _ := store.Object("runs/job-1/attempt-1.log")
	require.Equal(t, "line\n", string(again))

	_, _, ok = store.Object("missing")
	require.False(t, ok)
}
