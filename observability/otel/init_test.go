package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{ServiceName: "  "})
	assert.ErrorIs(t, err, ErrServiceName)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "guardd"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,tenant=ops")
	assert.Equal(t, map[string]string{"api-key": "abc", "tenant": "ops"}, headers)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{
		ServiceName: "guardd",
		Environment: "test",
		Attributes:  map[string]string{"guardflow.chain_id": "1337", " ": "dropped"},
	})
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "guardd", got["service.name"])
	assert.Equal(t, "test", got["deployment.environment"])
	assert.Equal(t, "1337", got["guardflow.chain_id"])
	assert.Len(t, got, 3)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1.5).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
	var _ sdktrace.Sampler = sampler(0.5)
}

func TestShutdownChainReportsFirstError(t *testing.T) {
	var order []int
	first := errors.New("first")
	chain := shutdownChain{
		func(context.Context) error { order = append(order, 1); return errors.New("later") },
		func(context.Context) error { order = append(order, 2); return first },
	}
	assert.ErrorIs(t, chain.run(context.Background()), first)
	assert.Equal(t, []int{2, 1}, order)
}
