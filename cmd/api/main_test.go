package main

import (
	"net"
	"testing"
	"time"

	"ledgerbook.org/internal/config"
)

func TestRunFailsFastWhenGRPCAddrIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpAddr := free.Addr().String()
	_ = free.Close()

	cfg := config.Config{
		HTTP:   config.HTTP{Addr: httpAddr, WriteTimeout: time.Second},
		GRPC:   config.GRPC{Enabled: true, Addr: taken.Addr().String()},
		Ledger: config.Ledger{StorageTimeout: time.Second, LockTimeout: time.Second},
		Jobs:   config.Jobs{OutstandingInterval: time.Minute},
	}

	done := make(chan error, 1)
	go func() { done <- run(cfg) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected bind error for the gRPC address")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run kept serving after the gRPC listener failed")
	}

	// nothing may be left serving HTTP once run has returned
	lis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		t.Fatalf("http address still held after run returned: %v", err)
	}
	_ = lis.Close()
}
