package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchWriterFlushDrainsQueue(t *testing.T) {
	var flushed []interface{}
	bw := NewBatchWriter("test", time.Second, func(ctx context.Context, batch []interface{}) error {
		flushed = append(flushed, batch...)
		return nil
	}, zapNop())

	bw.Enqueue("a")
	bw.Enqueue("b")
	require.Equal(t, 2, bw.Size())

	bw.Flush(context.Background())
	assert.Equal(t, 0, bw.Size())
	assert.Equal(t, []interface{}{"a", "b"}, flushed)
}

func TestBatchWriterRequeuesOnFailure(t *testing.T) {
	fail := true
	var flushed []interface{}
	bw := NewBatchWriter("test", time.Second, func(ctx context.Context, batch []interface{}) error {
		if fail {
			return errors.New("store unavailable")
		}
		flushed = append(flushed, batch...)
		return nil
	}, zapNop())

	bw.Enqueue("a")
	bw.Enqueue("b")
	bw.Flush(context.Background())

	assert.Equal(t, 2, bw.Size(), "failed batch goes back on the queue")

	// New records land behind the requeued batch so order is preserved.
	bw.Enqueue("c")
	fail = false
	bw.Flush(context.Background())

	assert.Equal(t, 0, bw.Size())
	assert.Equal(t, []interface{}{"a", "b", "c"}, flushed)
}

func TestBatchWriterFlushEmptyIsNoop(t *testing.T) {
	calls := 0
	bw := NewBatchWriter("test", time.Second, func(ctx context.Context, batch []interface{}) error {
		calls++
		return nil
	}, zapNop())

	bw.Flush(context.Background())
	assert.Equal(t, 0, calls)
}
