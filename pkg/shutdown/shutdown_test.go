package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_RunsInReverseOrderOnce(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	m.Register("third", func(context.Context) error { order = append(order, "third"); return nil })

	err := m.Shutdown()
	assert.EqualError(t, err, "second: boom")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	assert.NoError(t, m.Shutdown())
	assert.Len(t, order, 3)
}

func TestWaitWithContext_ContextDone(t *testing.T) {
	m := New(time.Second, nil)
	called := false
	m.Register("flag", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.WaitWithContext(ctx))
	assert.True(t, called)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseResource(t *testing.T) {
	closed := false
	fn := CloseResource(closerFunc(func() error { closed = true; return nil }))
	assert.NoError(t, fn(context.Background()))
	assert.True(t, closed)
}
