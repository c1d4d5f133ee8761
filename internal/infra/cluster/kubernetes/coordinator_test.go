package kubernetes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var fastTimings = Timings{
	LeaseDuration: 2 * time.Second,
	RenewDeadline: time.Second,
	RetryPeriod:   100 * time.Millisecond,
}

func TestCoordinatorLeaderElection(t *testing.T) {
	client := fake.NewSimpleClientset()
	cfg := Config{Namespace: "default", LeaderLockID: "mill-producer", Identity: "pod-a"}

	coord, err := NewCoordinator(cfg, client, fastTimings, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []bool
	leader := make(chan struct{})
	coord.OnLeadershipChange(func(isLeader bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, isLeader)
		if isLeader {
			close(leader)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.Start(ctx) }()

	select {
	case <-leader:
	case <-ctx.Done():
		t.Fatal("timeout waiting for leadership")
	}

	lease, err := client.CoordinationV1().Leases("default").Get(ctx, "mill-producer", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "pod-a", *lease.Spec.HolderIdentity)

	require.NoError(t, coord.Stop())
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestNewCoordinatorValidatesConfig(t *testing.T) {
	_, err := NewCoordinator(Config{Namespace: "default"}, fake.NewSimpleClientset(), DefaultTimings,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}
