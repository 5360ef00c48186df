package capability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/capability"
	"github.com/agentstation/loom/internal/testutil"
)

func TestLatencyThreshold(t *testing.T) {
	t.Run("fast stream passes", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		gen := capability.WithLatencyThreshold(&testutil.Generator{Chunks: []string{"a", "b", "c"}}, time.Second)
		out, err := loom.Collect(gen.Generate(context.Background(), "p", loom.GenerateParams{}))
		assert.NoError(err)
		assert.Equal("abc", out)
	})

	t.Run("slow chunk times out", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		slow := &testutil.Generator{Chunks: []string{"a", "b"}, Gap: 200 * time.Millisecond}
		gen := capability.WithLatencyThreshold(slow, 20*time.Millisecond)

		start := time.Now()
		_, err := loom.Collect(gen.Generate(context.Background(), "p", loom.GenerateParams{}))
		assert.True(time.Since(start) < 150*time.Millisecond, "guard must not wait for the slow chunk")

		var timeout *loom.TimeoutError
		assert.ErrorAs(err, &timeout)
		assert.Equal(20*time.Millisecond, timeout.After)
		var cerr *loom.CapabilityError
		assert.ErrorAs(err, &cerr)
		assert.True(loom.IsRetryable(err))
		assert.Equal(loom.KindTimeout, loom.ErrorKind(err))
	})

	t.Run("upstream error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		gen := capability.WithLatencyThreshold(&testutil.Generator{Errors: []error{boom}}, time.Second)
		_, err := loom.Collect(gen.Generate(context.Background(), "p", loom.GenerateParams{}))
		testutil.NewAssert(t).ErrorIs(err, boom)
	})

	t.Run("early break", func(t *testing.T) {
		gen := capability.WithLatencyThreshold(&testutil.Generator{Chunks: []string{"a", "b", "c"}}, time.Second)
		var got []string
		for c := range gen.Generate(context.Background(), "p", loom.GenerateParams{}) {
			got = append(got, c)
			break
		}
		testutil.NewAssert(t).Equal([]string{"a"}, got)
	})

	t.Run("zero threshold is a no-op", func(t *testing.T) {
		inner := &testutil.Generator{}
		testutil.NewAssert(t).True(capability.WithLatencyThreshold(inner, 0) == loom.Generator(inner))
	})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	failure := errors.New("503")

	t.Run("opens after consecutive failures", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		inner := &testutil.Generator{Errors: []error{failure, failure}, Chunks: []string{"ok"}}
		b := capability.NewBreaker(inner, 2, time.Minute)

		for i := 0; i < 2; i++ {
			_, err := loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
			assert.ErrorIs(err, failure)
		}
		assert.Equal(capability.StateOpen, b.Circuit().State())

		_, err := loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		assert.ErrorIs(err, capability.ErrCircuitOpen)
		var cerr *loom.CapabilityError
		assert.ErrorAs(err, &cerr)
		assert.True(loom.IsRetryable(err))
		assert.Len(inner.Prompts(), 2, "open circuit must not reach the generator")
	})

	t.Run("success resets the count", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		inner := &testutil.Generator{Errors: []error{failure}, Chunks: []string{"ok"}}
		b := capability.NewBreaker(inner, 2, time.Minute)

		_, _ = loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		_, err := loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		assert.NoError(err)
		assert.Equal(0, b.Circuit().Metrics().CurrentFailures)
		assert.Equal(capability.StateClosed, b.Circuit().State())
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		clk := &clock{now: time.Unix(0, 0)}
		var mu sync.Mutex
		var transitions []string
		inner := &testutil.Generator{Errors: []error{failure}, Chunks: []string{"ok"}}
		b := capability.NewBreaker(inner, 1, time.Second,
			capability.WithCircuitClock(clk.Now),
			capability.WithStateChange(func(from, to capability.CircuitState) {
				mu.Lock()
				transitions = append(transitions, from.String()+"->"+to.String())
				mu.Unlock()
			}),
		)

		_, _ = loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		assert.Equal(capability.StateOpen, b.Circuit().State())

		clk.Advance(time.Second)
		out, err := loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		assert.NoError(err)
		assert.Equal("ok", out)
		assert.Equal(capability.StateClosed, b.Circuit().State())

		mu.Lock()
		assert.Equal([]string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
		mu.Unlock()
	})

	t.Run("half-open probe failure reopens", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		clk := &clock{now: time.Unix(0, 0)}
		inner := &testutil.Generator{Errors: []error{failure, failure}}
		b := capability.NewBreaker(inner, 1, time.Second, capability.WithCircuitClock(clk.Now))

		_, _ = loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		clk.Advance(2 * time.Second)
		_, err := loom.Collect(b.Generate(ctx, "p", loom.GenerateParams{}))
		assert.ErrorIs(err, failure)
		assert.Equal(capability.StateOpen, b.Circuit().State())
		assert.Equal(int64(2), b.Circuit().Metrics().Opens)
	})

	t.Run("cancellation is not a failure", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		b := capability.NewBreaker(&testutil.Generator{Chunks: []string{"a"}}, 1, time.Minute)

		_, err := loom.Collect(b.Generate(cctx, "p", loom.GenerateParams{}))
		assert.ErrorIs(err, context.Canceled)
		assert.Equal(capability.StateClosed, b.Circuit().State())
	})
}

func TestEmbedBreaker(t *testing.T) {
	assert := testutil.NewAssert(t)
	b := capability.NewEmbedBreaker(&testutil.Embedder{Err: errors.New("down")}, 1, time.Minute)

	_, err := b.Embed(context.Background(), "x")
	assert.Error(err)
	_, err = b.Embed(context.Background(), "x")
	assert.ErrorIs(err, capability.ErrCircuitOpen)
	assert.Equal("embedder", b.Circuit().Metrics().Name)
}
