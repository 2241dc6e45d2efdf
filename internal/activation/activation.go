// Package activation obtains the webhook listener, preferring a socket
// passed in by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// activatedFDs returns how many sockets systemd passed to this process.
// It returns 0 when LISTEN_PID is unset or names a different process.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}

// Listeners returns the systemd-activated listeners, or nil when the
// process was not socket activated.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Unset the environment variables so git and other children don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listener returns the first socket passed by systemd, or a new TCP
// listener on addr. activated reports which one it is.
func Listener(addr string) (l net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}
