package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultSocketPath lives in the Linux abstract namespace, so there is no
// file to clean up.
const DefaultSocketPath = "@openww.sock"

// Config selects the transport.
type Config struct {
	SocketPath string // unix socket path; "@name" or "\x00name" is abstract
	UseTCP     bool
	Port       int
}

// Network returns the network and address the config binds to. TCP is
// forced on platforms without unix socket support.
func (c Config) Network() (string, string) {
	if c.UseTCP || runtime.GOOS == "windows" {
		return "tcp", ":" + strconv.Itoa(c.Port)
	}
	path := c.SocketPath
	if strings.HasPrefix(path, "\x00") {
		path = "@" + path[1:]
	}
	return "unix", path
}

// Listener accepts audio producer connections.
type Listener struct {
	ln   net.Listener
	path string // filesystem socket to remove on Close
}

// Listen binds the configured address, removing a stale socket file left by
// a previous run.
func Listen(cfg Config) (*Listener, error) {
	network, addr := cfg.Network()
	if network == "tcp" && (cfg.Port < 0 || cfg.Port > 65535) {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if network == "unix" && addr == "" {
		return nil, errors.New("socket path is empty")
	}

	var path string
	if network == "unix" && !strings.HasPrefix(addr, "@") {
		path = addr
		if err := removeStale(path); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s %s: %w", network, addr, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// We remove the file ourselves so a crash-free restart finds no stale path.
		ul.SetUnlinkOnClose(false)
	}
	return &Listener{ln: ln, path: path}, nil
}

func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove %s: not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next connection. Cancelling ctx closes the listener
// and unblocks Accept with ctx's error.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if l.path != "" {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}
	return err
}
