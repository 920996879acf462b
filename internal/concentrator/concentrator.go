// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package concentrator speaks the OpenVPN management interface's
// line protocol to poll a concentrator's connected-client list and
// to kill individual client sessions. It is the Go translation of
// original_source/odr/ovpn.py's OvpnServer and its small family of
// management-console command states.
package concentrator

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
)

// ConnectedClient is one line of a "status 2" client list, the Go
// equivalent of OvpnClientConnData.
type ConnectedClient struct {
	CommonName     string
	VirtualAddress net.IP
}

// command is one pending management-console exchange: the bytes to
// send (nil for the implicit "wait for the initial hello" command)
// and the line handler driving it to completion. handleLine returns
// true while more lines are expected, false once the command is
// done.
type command struct {
	send       []byte
	handleLine func(line string) (more bool)
	fail       func(err error)
}

// Client owns one connection to an OpenVPN management interface and
// a strictly-sequential queue of in-flight commands; the management
// protocol never pipelines, so at most one command is outstanding at
// a time.
type Client struct {
	name    string
	address string
	runtime *eventloop.Runtime

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	queue     []*command

	log *logging.Logger
}

// New constructs a Client for a concentrator identified by name,
// reachable at address (a filesystem path for a Unix management
// socket, or a host:port for one exposed over TCP loopback). It does
// not connect; call Connect or attach a Supervisor.
func New(runtime *eventloop.Runtime, name, address string) *Client {
	return &Client{
		name:    name,
		address: address,
		runtime: runtime,
		log:     logging.Default().WithComponent("concentrator").With("server", name),
	}
}

// Name returns the concentrator's configured name.
func (c *Client) Name() string { return c.name }

// Connected reports whether the management connection is currently
// up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the management socket and arms a command awaiting
// the management interface's initial ">INFO:" hello line. A prior
// connection, if any, is replaced.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.log.Debug("replacing connection to management console")
		c.closeLocked()
	}

	conn, err := dialManagement(c.address)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("connection to concentrator failed", "error", err)
		return
	}

	c.conn = conn
	c.queue = []*command{{
		handleLine: func(line string) bool {
			if !strings.HasPrefix(line, ">INFO:") {
				c.log.Error("connection to concentrator failed", "hello", line)
				c.Disconnect()
				return false
			}
			c.log.Debug("connected to concentrator management console")
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			return false
		},
	}}
	c.mu.Unlock()

	go c.pump(conn)
}

// Disconnect closes the management connection, if any, failing any
// pending commands.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	pending := c.queue
	c.queue = nil
	for _, cmd := range pending {
		if cmd.fail != nil {
			cmd.fail(errDisconnected)
		}
	}
}

func (c *Client) pump(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		c.runtime.Post(func() { c.handleLine(conn, line) })
	}
	c.runtime.Post(func() {
		c.mu.Lock()
		stillCurrent := c.conn == conn
		c.mu.Unlock()
		if stillCurrent {
			c.log.Error("received EOF from concentrator management console")
			c.Disconnect()
		}
	})
}

func (c *Client) handleLine(conn net.Conn, line string) {
	c.mu.Lock()
	if c.conn != conn || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	current := c.queue[0]
	c.mu.Unlock()

	if !current.handleLine(line) {
		c.mu.Lock()
		if len(c.queue) > 0 && c.queue[0] == current {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		c.dispatchNext()
	}
}

func (c *Client) dispatchNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 || c.conn == nil {
		return
	}
	head := c.queue[0]
	if head.send == nil {
		return
	}
	if _, err := c.conn.Write(head.send); err != nil {
		c.log.Error("concentrator management connection unexpectedly closed", "error", err)
		c.closeLocked()
	}
}

func (c *Client) enqueue(cmd *command) bool {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return false
	}
	wasIdle := len(c.queue) == 0
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
	if wasIdle {
		c.dispatchNext()
	}
	return true
}

// PollClientList requests the concentrator's current connected-client
// list and delivers it via onDone, grounded on
// _OvpnListClientsState. It is a no-op, calling onDone with an error,
// if the management connection is down.
func (c *Client) PollClientList(onDone func(clients []ConnectedClient, err error)) {
	clients := []ConnectedClient{}
	cmd := &command{
		send: []byte("status 2\n"),
		handleLine: func(line string) bool {
			switch {
			case strings.HasPrefix(line, "CLIENT_LIST,"):
				if cl, ok := parseClientListLine(line); ok {
					clients = append(clients, cl)
				}
				return true
			case line == "END":
				onDone(clients, nil)
				return false
			default:
				return true
			}
		},
		fail: func(err error) { onDone(nil, err) },
	}
	if !c.enqueue(cmd) {
		onDone(nil, errDisconnected)
	}
}

// DisconnectClient kills the named client's session, grounded on
// _OvpnDisconnectClientsState.
func (c *Client) DisconnectClient(commonName string, onDone func(ok bool)) {
	if !c.Connected() {
		c.log.Debug("ignoring disconnect request, no active management connection", "client", commonName)
		return
	}
	cmd := &command{
		send: []byte(`kill "` + commonName + "\"\n"),
		handleLine: func(line string) bool {
			switch {
			case strings.HasPrefix(line, "SUCCESS:"):
				onDone(true)
				return false
			case strings.HasPrefix(line, "ERROR:"):
				onDone(false)
				return false
			default:
				return true
			}
		},
		fail: func(err error) { onDone(false) },
	}
	if !c.enqueue(cmd) {
		onDone(false)
	}
}

func parseClientListLine(line string) (ConnectedClient, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < 4 {
		return ConnectedClient{}, false
	}
	cl := ConnectedClient{CommonName: fields[1]}
	if fields[3] != "" {
		cl.VirtualAddress = net.ParseIP(fields[3])
	}
	return cl, true
}

func dialManagement(address string) (net.Conn, error) {
	if strings.HasPrefix(address, "/") {
		return net.Dial("unix", address)
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return net.Dial("tcp", address)
	}
	return net.Dial("unix", address)
}

var errDisconnected = &disconnectedError{}

type disconnectedError struct{}

func (*disconnectedError) Error() string { return "concentrator: management connection is down" }
