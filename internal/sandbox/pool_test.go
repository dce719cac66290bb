package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestPoolLeaseReturnRecyclesOnCompletedOutcome(t *testing.T) {
	skipIfNoDocker(t)

	p, err := NewPool(context.Background(), PoolConfig{
		Size:            1,
		ContainerConfig: ContainerConfig{Image: "python:3.12-slim", MemoryMB: 64, PIDsLimit: 32},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	first := pc.name
	p.Return(ctx, pc, StatusCompleted)

	pc2, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if pc2.name != first {
		t.Fatalf("expected the same container to be recycled, got %q want %q", pc2.name, first)
	}
	p.Return(ctx, pc2, StatusCompleted)
}

func TestPoolReturnDestroysAndRespawnsOnNonCompletedOutcome(t *testing.T) {
	skipIfNoDocker(t)

	p, err := NewPool(context.Background(), PoolConfig{
		Size:            1,
		ContainerConfig: ContainerConfig{Image: "python:3.12-slim", MemoryMB: 64, PIDsLimit: 32},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	first := pc.name
	p.Return(ctx, pc, StatusResourceExceeded)

	pc2, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if pc2.name == first {
		t.Fatal("expected a fresh container after a non-completed outcome, got the same one back")
	}
	p.Return(ctx, pc2, StatusCompleted)
}
