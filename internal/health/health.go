// Package health publishes listener readiness over the standard gRPC health
// service and probes it from the CLI.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	ServiceControl = "cocktail.control"
	ServiceAudio   = "cocktail.audio"

	DefaultProbeTimeout = 3 * time.Second
)

// Services lists every service the device reports, overall status first.
var Services = []string{"", ServiceControl, ServiceAudio}

// ServiceName maps a listener name to its health service name.
func ServiceName(listener string) string {
	return "cocktail." + listener
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger
}

// NewServer starts with every service NOT_SERVING.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		logger: logger,
	}
	for _, service := range Services {
		s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing flips the status of one listener. The overall status is
// SERVING only while both listeners are.
func (s *Server) SetServing(listener string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	service := ServiceName(listener)
	s.health.SetServingStatus(service, status)
	s.logger.Debug("health status changed", "service", service, "status", status.String())

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range []string{ServiceControl, ServiceAudio} {
		resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
		if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.health.SetServingStatus("", overall)
}

// Serve answers health checks on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	defer stop()

	s.logger.Info("health server listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind health listener %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Report maps service names to their health responses.
type Report map[string]*healthpb.HealthCheckResponse

// Serving reports whether the overall status is SERVING.
func (r Report) Serving() bool {
	return r[""].GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Probe dials addr, waits for the connection and checks every service.
func Probe(ctx context.Context, addr string, timeout time.Duration) (Report, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("health address is empty")
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial health grpc %q: %w", addr, err)
	}
	defer conn.Close()

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		return nil, fmt.Errorf("wait for health grpc readiness: %w", err)
	}

	client := healthpb.NewHealthClient(conn)
	report := make(Report, len(Services))
	for _, service := range Services {
		resp, err := client.Check(readyCtx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", displayName(service), err)
		}
		report[service] = resp
	}
	return report, nil
}

// FormatJSON renders a report as one JSON object keyed by service name.
func FormatJSON(report Report) (string, error) {
	out := make(map[string]json.RawMessage, len(report))
	for name, resp := range report {
		raw, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("marshal %q: %w", displayName(name), err)
		}
		out[displayName(name)] = raw
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode health report: %w", err)
	}
	return string(encoded), nil
}

func displayName(service string) string {
	if service == "" {
		return "overall"
	}
	return service
}

// waitForReady blocks until gRPC connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
