package transport

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
)

// pipeLine returns a Line over one end of an in-memory pipe and the
// raw peer end.
func pipeLine(t *testing.T, m *metrics.Collector) (*Line, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewLine(server, m), client
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string // lines expected before ErrPeerClosed
	}{
		{"single", "1 + 1\n", []string{"1 + 1"}},
		{"crlf", "x = 3\r\n", []string{"x = 3"}},
		{"several", "a\nb\nc\n", []string{"a", "b", "c"}},
		{"blank disconnects", "a\n\nb\n", []string{"a"}},
		{"bare crlf disconnects", "a\r\n\r\nb\n", []string{"a"}},
		{"whitespace kept", "if x:\n  y\n \n", []string{"if x:", "  y", " "}},
		{"fragment before eof", "a\npartial", []string{"a", "partial"}},
		{"non-ascii dropped", "pr\u00efnt(1)\n", []string{"prnt(1)"}},
		{"invalid utf8 dropped", "a\xffb\n", []string{"ab"}},
		{"empty stream", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, peer := pipeLine(t, nil)
			go func() {
				peer.Write([]byte(tt.input)) //nolint:errcheck
				peer.Close()
			}()

			for i, want := range tt.want {
				got, err := l.ReadLine()
				if err != nil {
					t.Fatalf("line %d: unexpected error %v", i, err)
				}
				if got != want {
					t.Errorf("line %d = %q, want %q", i, got, want)
				}
			}
			if _, err := l.ReadLine(); !errors.Is(err, errors.ErrPeerClosed) {
				t.Errorf("final ReadLine err = %v, want ErrPeerClosed", err)
			}
			// stays closed
			if _, err := l.ReadLine(); !errors.Is(err, errors.ErrPeerClosed) {
				t.Errorf("repeat ReadLine err = %v, want ErrPeerClosed", err)
			}
		})
	}
}

func TestWrite_ImmediateAndFiltered(t *testing.T) {
	m := metrics.New()
	l, peer := pipeLine(t, m)
	r := bufio.NewReader(peer)

	go l.Write(">>> ") //nolint:errcheck
	buf := make([]byte, 4)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("prompt not flushed: %v", err)
	}
	if string(buf) != ">>> " {
		t.Errorf("prompt = %q", buf)
	}

	go l.WriteLine("caf\u00e9 ok") //nolint:errcheck
	got, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if got != "caf ok\n" {
		t.Errorf("line = %q, want %q", got, "caf ok\n")
	}

	if out := m.TotalBytesOut(); out != int64(len(">>> ")+len("caf ok\n")) {
		t.Errorf("bytes out = %d", out)
	}
}

func TestWrite_AfterCloseDropped(t *testing.T) {
	l, _ := pipeLine(t, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !l.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := l.WriteLine("late"); err != nil {
		t.Errorf("write after close = %v, want nil", err)
	}
	if _, err := l.ReadLine(); !errors.Is(err, errors.ErrPeerClosed) {
		t.Errorf("read after close = %v, want ErrPeerClosed", err)
	}
}

func TestReadLine_UnblockedByClose(t *testing.T) {
	l, _ := pipeLine(t, nil)
	done := make(chan error, 1)
	go func() {
		_, err := l.ReadLine()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, errors.ErrPeerClosed) {
			t.Errorf("err = %v, want ErrPeerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLine still blocked after Close")
	}
}

func TestClose_StalledWrite(t *testing.T) {
	l, _ := pipeLine(t, nil) // the peer never reads

	wrote := make(chan error, 1)
	go func() { wrote <- l.Write(strings.Repeat("x", 1<<20)) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- l.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for a write the peer never drains")
	}

	select {
	case err := <-wrote:
		if err == nil {
			t.Error("stalled write should fail once the connection is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write still blocked after Close")
	}
}

func TestReadLine_CountsBytes(t *testing.T) {
	m := metrics.New()
	l, peer := pipeLine(t, m)
	input := "print(1)\n"
	go peer.Write([]byte(input)) //nolint:errcheck

	if _, err := l.ReadLine(); err != nil {
		t.Fatal(err)
	}
	if got := m.TotalBytesIn(); got < int64(len(strings.TrimSpace(input))) {
		t.Errorf("bytes in = %d", got)
	}
}
