package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/mcules/vidi-runtime/internal/logging"
)

func TestServe_ReturnsGRPCFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	// A closed listener makes Serve fail at once.
	_ = lis.Close()

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), logging.New("test"), grpc.NewServer(), lis, srv, health.NewServer())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve returned nil after the gRPC listener failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept running after the gRPC listener failed")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, logging.New("test"), grpc.NewServer(), lis, srv, health.NewServer())
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
