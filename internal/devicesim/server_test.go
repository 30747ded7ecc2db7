package devicesim

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
)

func startServer(t *testing.T, newline bool) (*Server, *Exoskeleton) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Interval = 10 * time.Millisecond
	cfg.Newline = newline
	exo := NewExoskeleton(cfg, time.Now())
	srv := NewServer(cfg, exo)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-errCh
	})
	return srv, exo
}

func readSample(t *testing.T, sc *bufio.Scanner) device.Sample {
	t.Helper()
	if !sc.Scan() {
		t.Fatalf("scan: %v", sc.Err())
	}
	s, err := device.DecodeSample(sc.Bytes(), time.Now())
	if err != nil {
		t.Fatalf("decode %q: %v", sc.Text(), err)
	}
	return s
}

func TestServerStreamsAndAppliesFrames(t *testing.T) {
	for _, newline := range []bool{false, true} {
		srv, _ := startServer(t, newline)

		conn, err := net.Dial("tcp", srv.Addr())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

		sc := bufio.NewScanner(conn)
		sc.Split(device.ScanSamples)
		if s := readSample(t, sc); !s.HasMotion() {
			t.Fatalf("first sample has no motion: %+v", s)
		}

		f, _ := device.NewFrame("Manual", "Increment", "dorsiflexionU")
		if _, err := conn.Write(f.Bytes()); err != nil {
			t.Fatalf("write: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			s := readSample(t, sc)
			if s.Positions[1] == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("position never moved (newline=%v)", newline)
			}
		}
		if applied, _ := srv.Stats(); applied != 1 {
			t.Errorf("applied = %d, want 1", applied)
		}
	}
}

func TestServerCountsDroppedFrames(t *testing.T) {
	srv, _ := startServer(t, true)
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{Manual;Decrement;eversionL;}{;}")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, dropped := srv.Stats(); dropped == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	applied, dropped := srv.Stats()
	t.Errorf("applied=%d dropped=%d, want 0/2", applied, dropped)
}

func TestServerRejectsOverLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.MaxConnections = 1
	srv := NewServer(cfg, NewExoskeleton(cfg, time.Now()))
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(context.Background()) }()
	defer srv.Close()

	first, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(first).ReadByte(); err != nil {
		t.Fatalf("first client got no telemetry: %v", err)
	}

	second, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(second).ReadByte(); err == nil {
		t.Error("second client was served")
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv, _ := startServer(t, false)
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
