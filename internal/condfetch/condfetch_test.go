package condfetch

import (
	"context"
	"net/http"
	"testing"

	"github.com/edgeproxy/edgecache/internal/busyobj"
	"github.com/edgeproxy/edgecache/internal/storage"
	"gotest.tools/v3/assert"
)

func TestRunCopiesStaleChunksAndRearmsExpiry(t *testing.T) {
	exp := &busyobj.Expiry{TTL: 120, Grace: 10, Keep: 5, TOrigin: 1}
	stale := &busyobj.StaleObject{
		Headers: http.Header{"ETag": {`"v1"`}},
		Chunks: []busyobj.Chunk{
			{Ptr: []byte("ab"), Len: 2},
			{Ptr: []byte("cd"), Len: 2},
		},
		Len: 4,
		Exp: exp,
	}

	store := storage.NewMemStore(0)
	obj, headers, err := Run(context.Background(), store, stale)
	assert.NilError(t, err)
	assert.Equal(t, obj.Len(), 4)
	assert.Equal(t, obj.ChunkLenSum(), 4)
	assert.Equal(t, headers.Get("ETag"), `"v1"`)

	assert.Equal(t, exp.TTL, float64(0))
	assert.Equal(t, exp.Grace, float64(0))
	assert.Equal(t, exp.Keep, float64(0))
	assert.Assert(t, exp.TOrigin > 1)
}

func TestRunFailsOnStorageRefusal(t *testing.T) {
	stale := &busyobj.StaleObject{
		Headers: http.Header{},
		Chunks:  []busyobj.Chunk{{Ptr: []byte("ab"), Len: 2}},
		Len:     2,
	}
	store := storage.NewMemStore(1) // too small for a 2-byte object
	_, _, err := Run(context.Background(), store, stale)
	assert.ErrorIs(t, err, storage.ErrNoSpace)
}
