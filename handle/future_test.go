package handle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.Resolved())
	_, err := f.Await(10 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(errors.New("late")))
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	<-f.Done()
}

func TestFutureFail(t *testing.T) {
	f := NewFuture[string]()
	boom := errors.New("boom")
	go f.Fail(boom)
	_, err := f.Await(time.Second)
	assert.ErrorIs(t, err, boom)
	assert.True(t, f.Resolved())
}
