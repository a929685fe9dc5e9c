package internal

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"testing/synctest"
	"time"
)

// fakeStatusServer is a minimal HTTP server over net.Pipe that returns
// configurable plain text responses. It's designed to work with synctest.
// The server blocks until a response is available, mirroring the real
// server's behavior while a run is in flight.
type fakeStatusServer struct {
	conn      net.Conn
	responses chan statusResponse // send responses here, server will return them
}

type statusResponse struct {
	output string
	status string // e.g. "200 OK"
}

func newFakeStatusServer(conn net.Conn) *fakeStatusServer {
	return &fakeStatusServer{
		conn:      conn,
		responses: make(chan statusResponse, 10),
	}
}

func (s *fakeStatusServer) serve(ctx context.Context) {
	reader := bufio.NewReader(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read the HTTP request
		req, err := http.ReadRequest(reader)
		if err != nil {
			return // Connection closed
		}
		_ = req.Body.Close()

		// Get the next response to return (blocks until available)
		select {
		case resp := <-s.responses:
			httpResp := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s", resp.status, len(resp.output), resp.output)
			_, _ = s.conn.Write([]byte(httpResp))
		case <-ctx.Done():
			return
		}
	}
}

// createTestClient creates a Client that uses net.Pipe instead of a real socket.
// This is synctest-compatible because net.Pipe doesn't involve real I/O.
func createTestClient(clientConn net.Conn) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return clientConn, nil
			},
		},
		Timeout: 30 * time.Second,
	}

	return &Client{
		socketPath: "/fake/socket.sock",
		httpClient: httpClient,
	}
}

func TestClient_Status_ReturnsImmediatelyWhenSettled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		defer func() { _ = serverConn.Close() }()
		defer func() { _ = clientConn.Close() }()

		server := newFakeStatusServer(serverConn)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go server.serve(ctx)

		client := createTestClient(clientConn)

		server.responses <- statusResponse{output: "all good", status: "200 OK"}

		start := time.Now()
		output, failed, err := client.Status(ctx, "human")
		elapsed := time.Since(start)

		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if output != "all good" {
			t.Errorf("output = %q, want 'all good'", output)
		}
		if failed {
			t.Errorf("failed = true, want false")
		}
		if elapsed >= 100*time.Millisecond {
			t.Errorf("Should return immediately, took %v", elapsed)
		}
	})
}

func TestClient_Status_ReportsFailureOn500(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		defer func() { _ = serverConn.Close() }()
		defer func() { _ = clientConn.Close() }()

		server := newFakeStatusServer(serverConn)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go server.serve(ctx)

		client := createTestClient(clientConn)

		server.responses <- statusResponse{output: "exit code: 2", status: "500 Internal Server Error"}

		output, failed, err := client.Status(ctx, "human")

		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if output != "exit code: 2" {
			t.Errorf("output = %q, want 'exit code: 2'", output)
		}
		if !failed {
			t.Errorf("failed = false, want true")
		}
	})
}

func TestClient_Status_BlocksWhileRunInFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		defer func() { _ = serverConn.Close() }()
		defer func() { _ = clientConn.Close() }()

		server := newFakeStatusServer(serverConn)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go server.serve(ctx)

		client := createTestClient(clientConn)

		// Start the request - it should block since no response is queued yet
		type result struct {
			output string
			failed bool
			err    error
		}
		resultCh := make(chan result, 1)
		go func() {
			output, failed, err := client.Status(ctx, "human")
			resultCh <- result{output, failed, err}
		}()

		// Wait a bit to ensure the request is blocking
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		// Now queue the response - should unblock the request
		server.responses <- statusResponse{output: "run complete", status: "200 OK"}
		synctest.Wait()

		select {
		case r := <-resultCh:
			if r.err != nil {
				t.Fatalf("Status returned error: %v", r.err)
			}
			if r.output != "run complete" {
				t.Errorf("output = %q, want 'run complete'", r.output)
			}
		case <-time.After(1 * time.Second):
			t.Fatal("Status did not return after response was queued")
		}
	})
}

func TestClient_Status_RespectsContextCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		defer func() { _ = serverConn.Close() }()
		defer func() { _ = clientConn.Close() }()

		server := newFakeStatusServer(serverConn)
		serverCtx, serverCancel := context.WithCancel(context.Background())
		defer serverCancel()

		// Server runs but never queues a response - simulates a run that
		// never settles
		go server.serve(serverCtx)

		client := createTestClient(clientConn)

		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			_, _, err := client.Status(ctx, "human")
			errCh <- err
		}()

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		cancel()
		synctest.Wait()

		select {
		case err := <-errCh:
			// The error may be wrapped, so check if context was canceled
			if !strings.Contains(err.Error(), "context canceled") {
				t.Errorf("Expected context canceled error, got: %v", err)
			}
		case <-time.After(1 * time.Second):
			t.Fatal("Status did not return after context cancellation")
		}
	})
}

func TestClient_Trigger(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		defer func() { _ = serverConn.Close() }()
		defer func() { _ = clientConn.Close() }()

		server := newFakeStatusServer(serverConn)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go server.serve(ctx)

		client := createTestClient(clientConn)

		server.responses <- statusResponse{output: "", status: "202 Accepted"}

		if err := client.Trigger(ctx); err != nil {
			t.Fatalf("Trigger returned error: %v", err)
		}
	})
}

func TestClient_IsServerRunning(t *testing.T) {
	tmpDir := t.TempDir()

	client, err := NewClient(tmpDir)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	// No server running yet
	if client.IsServerRunning() {
		t.Error("IsServerRunning returned true when no server is running")
	}
}

func TestClient_Stop(t *testing.T) {
	socketPath := testSocketPath(t)

	s, _ := newTestServer(t, socketPath, RunResult{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client := &Client{
		socketPath: socketPath,
		httpClient: udsClient(socketPath),
	}

	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case <-s.ShutdownCh():
		// Success
	case <-time.After(1 * time.Second):
		t.Error("ShutdownCh not closed after client.Stop()")
	}

	_ = s.Stop(context.Background())
}
