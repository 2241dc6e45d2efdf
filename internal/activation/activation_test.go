package activation

import (
	"fmt"
	"os"
	"strconv"
	"testing"
)

func TestListeners_Environment(t *testing.T) {
	self := strconv.Itoa(os.Getpid())
	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{name: "no environment"},
		{name: "other process", pid: "99999", fds: "1"},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "not-a-number", wantErr: true},
		{name: "negative fds", pid: self, fds: "-2", wantErr: true},
		{name: "zero fds", pid: self, fds: "0"},
		{name: "missing fds", pid: self},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)
			if tt.pid == "" {
				_ = os.Unsetenv("LISTEN_PID")
			}

			listeners, err := Listeners()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Listeners() error = %v, wantErr %v", err, tt.wantErr)
			}
			if listeners != nil {
				t.Errorf("expected no listeners, got %v", listeners)
			}
		})
	}
}

func TestListener_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	_ = os.Unsetenv("LISTEN_PID")

	l, activated, err := Listener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listener() error: %v", err)
	}
	defer func() {
		_ = l.Close()
	}()
	if activated {
		t.Error("expected a plain TCP listener")
	}
	if l.Addr().Network() != "tcp" {
		t.Errorf("unexpected network %s", l.Addr().Network())
	}
}

func TestListener_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	_ = os.Unsetenv("LISTEN_PID")

	if _, _, err := Listener("256.0.0.1:http-nope"); err == nil {
		t.Fatal("expected error for an invalid address")
	}
}

func TestListener_PropagatesActivationErrors(t *testing.T) {
	t.Setenv("LISTEN_PID", "garbage")
	if _, _, err := Listener("127.0.0.1:0"); err == nil {
		t.Fatal("expected error for invalid LISTEN_PID")
	}
}

// Example demonstrates how the webhook listener is obtained
func ExampleListener() {
	l, activated, err := Listener("127.0.0.1:0")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer func() {
		_ = l.Close()
	}()

	if activated {
		fmt.Println("Using systemd socket")
	} else {
		fmt.Println("Listening on TCP")
	}
}
