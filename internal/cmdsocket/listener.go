// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmdsocket

import (
	"context"
	"errors"
	"net"
	"os"

	"grimm.is/odrelayd/internal/logging"
)

// Listener accepts command connections on a Unix domain socket,
// mirroring CommandConnectionListener.
type Listener struct {
	ln      *net.UnixListener
	path    string
	auth    AuthFunc
	handler HandlerFunc
	log     *logging.Logger
}

// Listen binds a Unix stream socket at path, removing any stale
// socket file left over from a previous run, and applies mode as its
// file permissions. auth may be nil to accept every peer.
func Listen(path string, mode os.FileMode, auth AuthFunc, handler HandlerFunc) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, err
	}

	return &Listener{
		ln:      ln,
		path:    path,
		auth:    auth,
		handler: handler,
		log:     logging.Default().WithComponent("cmdsocket"),
	}, nil
}

// Serve accepts connections until ctx is cancelled or Close is
// called, handling each on its own goroutine. It always returns a
// non-nil error; a clean shutdown returns ctx.Err() or
// net.ErrClosed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		uc, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if l.auth != nil {
			cred, err := peerCred(uc)
			if err != nil {
				l.log.Warn("failed to read peer credentials, rejecting connection", "error", err)
				uc.Close()
				continue
			}
			if !l.auth(cred.Pid, cred.Uid, cred.Gid) {
				l.log.Info("rejecting command connection", "pid", cred.Pid, "uid", cred.Uid, "gid", cred.Gid)
				uc.Close()
				continue
			}
		}

		conn := &Conn{uc: uc, log: l.log}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn *Conn) {
	defer conn.Close()
	for {
		msg, err := conn.readMessage()
		if err != nil {
			if errors.Is(err, errBadMessage) {
				l.log.Warn("failed to parse command message")
				_ = conn.Send("FAIL", nil)
				continue
			}
			l.log.Debug("command connection closed", "error", err)
			return
		}
		l.handler(conn, msg)
	}
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
