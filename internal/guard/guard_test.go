package guard

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/errors"
)

type pauseFlag struct{ atomic.Bool }

func (p *pauseFlag) Paused() bool { return p.Load() }

func validInput() []byte {
	return classfile.DefaultFormat.Build(52, []byte("input"))
}

func identity(_ context.Context, in []byte) ([]byte, error) {
	return append([]byte(nil), in...), nil
}

func failing(context.Context, []byte) ([]byte, error) {
	return nil, fmt.Errorf("boom")
}

func TestPreValidate(t *testing.T) {
	pause := &pauseFlag{}
	breaker := circuit.NewBreaker("global", circuit.Config{Threshold: 1})
	bl := circuit.NewBlacklist(circuit.BlacklistConfig{Threshold: 1})
	g := New(Config{Blacklist: bl, Breaker: breaker, Pause: pause})

	require.NoError(t, g.PreValidate("com/a/Main", validInput()))

	tests := []struct {
		name  string
		key   string
		input []byte
		setup func()
		code  errors.ErrorCode
	}{
		{name: "nil input", key: "k", input: nil, code: errors.ErrCodeValidationFailed},
		{name: "short input", key: "k", input: []byte{0xCA, 0xFE}, code: errors.ErrCodeValidationFailed},
		{name: "bad magic", key: "k", input: make([]byte, 64), code: errors.ErrCodeValidationFailed},
		{name: "old version", key: "k", input: classfile.DefaultFormat.Build(44, nil), code: errors.ErrCodeValidationFailed},
		{name: "new version", key: "k", input: classfile.DefaultFormat.Build(71, nil), code: errors.ErrCodeValidationFailed},
		{name: "bad key", key: "a:b", input: validInput(), code: errors.ErrCodeInvalidKey},
		{name: "empty key", key: "", input: validInput(), code: errors.ErrCodeInvalidKey},
		{
			name: "blacklisted", key: "bad", input: validInput(),
			setup: func() { bl.RecordFailure("bad") },
			code:  errors.ErrCodeBlacklisted,
		},
		{
			name: "paused", key: "k", input: validInput(),
			setup: func() { pause.Store(true) },
			code:  errors.ErrCodeMemoryPressure,
		},
		{
			name: "breaker open", key: "k", input: validInput(),
			setup: func() {
				pause.Store(false)
				breaker.RecordFailure()
			},
			code: errors.ErrCodeCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			err := g.PreValidate(tt.key, tt.input)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.True(t, errors.IsValidation(err))
			assert.False(t, errors.CountsAsFailure(err))
		})
	}
}

func TestTransformSuccess(t *testing.T) {
	g := New(Config{})
	out, err := g.Transform(context.Background(), "k", validInput(), identity)
	require.NoError(t, err)
	assert.Equal(t, validInput(), out)
	assert.Zero(t, g.Blacklist().Failures("k"))
	assert.Equal(t, uint64(1), g.Breaker().GetCounts().Successes)
}

func TestTransformErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   TransformFunc
		code errors.ErrorCode
	}{
		{name: "error", fn: failing, code: errors.ErrCodeTransformFailed},
		{
			name: "invalid output",
			fn:   func(context.Context, []byte) ([]byte, error) { return []byte("garbage"), nil },
			code: errors.ErrCodeInvalidOutput,
		},
		{
			name: "nil output",
			fn:   func(context.Context, []byte) ([]byte, error) { return nil, nil },
			code: errors.ErrCodeInvalidOutput,
		},
		{
			name: "panic",
			fn:   func(context.Context, []byte) ([]byte, error) { panic("kaboom") },
			code: errors.ErrCodePanicRecovered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Config{})
			out, err := g.Transform(context.Background(), "k", validInput(), tt.fn)
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.True(t, errors.CountsAsFailure(err))
			assert.Equal(t, uint32(1), g.Blacklist().Failures("k"))
			assert.Equal(t, uint64(1), g.Breaker().GetCounts().Failures)
		})
	}
}

func TestTransformTimeout(t *testing.T) {
	g := New(Config{Timeout: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := g.Transform(context.Background(), "slow", validInput(), func(ctx context.Context, in []byte) ([]byte, error) {
		<-release // ignores ctx on purpose
		return in, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Less(t, elapsed, 50*time.Millisecond+200*time.Millisecond)
	assert.Equal(t, uint32(1), g.Blacklist().Failures("slow"))
}

func TestTransformCancelledByCaller(t *testing.T) {
	g := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Transform(ctx, "k", validInput(), func(ctx context.Context, in []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCancelled))
	assert.Zero(t, g.Blacklist().Failures("k"), "caller cancellation is not a failure")
}

func TestBlacklistAfterThreshold(t *testing.T) {
	g := New(Config{})
	input := validInput()

	for i := 0; i < circuit.DefaultKeyThreshold; i++ {
		require.NoError(t, g.PreValidate("bad", input))
		_, err := g.Transform(context.Background(), "bad", input, failing)
		require.Error(t, err)
	}

	err := g.PreValidate("bad", input)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBlacklisted))
	assert.NoError(t, g.PreValidate("good", input), "other keys are unaffected")
}

func TestGlobalBreakerAcrossKeys(t *testing.T) {
	g := New(Config{Breaker: circuit.NewBreaker("global", circuit.Config{Threshold: 5})})
	input := validInput()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, g.PreValidate("fresh", input))
		_, _ = g.Transform(context.Background(), key, input, failing)
	}

	err := g.PreValidate("fresh", input)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))

	g.Breaker().Reset()
	assert.NoError(t, g.PreValidate("fresh", input))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "invalid", State(42).String())
}
