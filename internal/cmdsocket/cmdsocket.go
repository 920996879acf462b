// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmdsocket implements the request/disconnect command
// protocol odrelayd's OpenVPN plugin speaks over a Unix domain
// socket: one JSON object per message, optionally carrying up to
// eight file descriptors passed via SCM_RIGHTS. It is the Go
// translation of original_source/odr/cmdconnection.py's
// CommandConnection and CommandConnectionListener.
package cmdsocket

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"

	"grimm.is/odrelayd/internal/logging"
)

// maxFDs mirrors CommandConnection.MAX_NUM_FDS: a message may carry
// at most this many passed file descriptors.
const maxFDs = 8

// maxMsgSize mirrors CommandConnection.MAX_MSG_SIZE.
const maxMsgSize = 1024

// Message is one decoded command received over a connection.
type Message struct {
	Cmd    string
	Params map[string]json.RawMessage
	Files  []*os.File
}

// HandlerFunc processes one received Message. It runs on a
// per-connection goroutine, not the event runtime's dispatch
// goroutine; handlers that touch runtime-owned state must Post to
// the runtime themselves.
type HandlerFunc func(conn *Conn, msg Message)

// AuthFunc authorizes a new connection by its peer credentials,
// mirroring CommandConnectionListener's auth_check callback. A nil
// AuthFunc accepts every connection.
type AuthFunc func(pid int32, uid, gid uint32) bool

// Conn is a single accepted command connection. Send is safe to call
// from any goroutine.
type Conn struct {
	uc  *net.UnixConn
	log *logging.Logger
}

// Send encodes {"cmd": cmd, ...params} as JSON and writes it as a
// single message, matching CommandConnection.send_cmd.
func (c *Conn) Send(cmd string, params map[string]any) error {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["cmd"] = cmd
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = c.uc.Write(data)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}

func (c *Conn) readMessage() (Message, error) {
	buf := make([]byte, maxMsgSize)
	oob := make([]byte, cmsgSpaceFDs(maxFDs))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, err
	}
	if n == 0 {
		return Message{}, io.EOF
	}

	files, err := parseFDs(oob[:oobn])
	if err != nil {
		c.log.Warn("failed to parse passed file descriptors", "error", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[:n], &raw); err != nil {
		closeAll(files)
		return Message{}, errBadMessage
	}

	cmdRaw, ok := raw["cmd"]
	if !ok {
		closeAll(files)
		return Message{}, errBadMessage
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		closeAll(files)
		return Message{}, errBadMessage
	}
	delete(raw, "cmd")

	return Message{Cmd: cmd, Params: raw, Files: files}, nil
}

var errBadMessage = errors.New("cmdsocket: malformed command message")

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
