// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package health exposes the service directory as a gRPC health service:
// every ready service is SERVING, unregistered ones become NOT_SERVING.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/qimessaging/directory"
	"github.com/luxfi/qimessaging/object"
	"github.com/luxfi/qimessaging/value"
)

var log = logrus.WithField("category", "qimessaging.health")

// Mirror keeps a gRPC health server in sync with a directory.
type Mirror struct {
	dir    object.AnyObject
	health *grpchealth.Server

	mu    sync.Mutex
	grpc  *grpc.Server
	links []object.LinkID
}

func NewMirror(dir object.AnyObject) *Mirror {
	return &Mirror{dir: dir, health: grpchealth.NewServer()}
}

// Server returns the health server, for registration on an existing gRPC
// server.
func (m *Mirror) Server() *grpchealth.Server { return m.health }

// Start subscribes to the directory and publishes its current services.
func (m *Mirror) Start(ctx context.Context) error {
	watch := func(signal string, status healthpb.HealthCheckResponse_ServingStatus) error {
		link, err := m.dir.Connect(ctx, signal, func(args []value.Value) {
			name, err := args[1].ToString()
			if err != nil {
				return
			}
			m.health.SetServingStatus(name, status)
			log.WithFields(logrus.Fields{"service": name, "status": status.String()}).Debug("health updated")
		}, nil).Get(ctx)
		if err != nil {
			return fmt.Errorf("watching %s: %w", signal, err)
		}
		m.mu.Lock()
		m.links = append(m.links, link)
		m.mu.Unlock()
		return nil
	}
	if err := watch("serviceRegistered", healthpb.HealthCheckResponse_SERVING); err != nil {
		return err
	}
	if err := watch("serviceUnregistered", healthpb.HealthCheckResponse_NOT_SERVING); err != nil {
		return err
	}

	infos, err := object.CallAs[[]directory.ServiceInfo](ctx, m.dir, "services")
	if err != nil {
		return err
	}
	for _, info := range infos {
		m.health.SetServingStatus(info.Name, healthpb.HealthCheckResponse_SERVING)
	}
	m.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Serve runs a gRPC server exposing the health service on l. It returns
// when the server stops.
func (m *Mirror) Serve(l net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, m.health)
	m.mu.Lock()
	m.grpc = gs
	m.mu.Unlock()
	log.WithField("address", l.Addr().String()).Info("health service listening")
	return gs.Serve(l)
}

// ListenAndServe listens on address and serves in the background. It
// returns the bound address.
func (m *Mirror) ListenAndServe(address string) (net.Addr, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := m.Serve(l); err != nil {
			log.WithError(err).Warn("health service stopped")
		}
	}()
	return l.Addr(), nil
}

// Stop marks every service NOT_SERVING, unsubscribes and stops the gRPC
// server.
func (m *Mirror) Stop(ctx context.Context) {
	m.health.Shutdown()
	m.mu.Lock()
	links := m.links
	m.links = nil
	gs := m.grpc
	m.mu.Unlock()
	for _, l := range links {
		_, _ = m.dir.Disconnect(ctx, l).Get(ctx)
	}
	if gs != nil {
		gs.GracefulStop()
	}
}

// Dial opens a plaintext gRPC connection to a health service.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return conn, nil
}

// Check asks the health service at conn about service.
func Check(ctx context.Context, conn *grpc.ClientConn, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
