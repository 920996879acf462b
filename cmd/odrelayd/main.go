// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command odrelayd is the on-demand DHCPv4 relay/requester daemon: it
// listens for OpenVPN client-connect/disconnect commands over a Unix
// domain socket, brokers a DHCP lease for each connecting client from
// the realm's configured upstream servers, and pushes back a
// generated client configuration fragment. It is the Go translation
// of original_source/odr/odrd.py's main().
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"grimm.is/odrelayd/internal/clientregistry"
	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/cmdsocket"
	"grimm.is/odrelayd/internal/concentrator"
	"grimm.is/odrelayd/internal/config"
	"grimm.is/odrelayd/internal/dhcptxn"
	"grimm.is/odrelayd/internal/dhcpwire"
	daemonerrors "grimm.is/odrelayd/internal/errors"
	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
	"grimm.is/odrelayd/internal/ovpnconfig"
	"grimm.is/odrelayd/internal/requestor"
	"grimm.is/odrelayd/internal/username"
)

// Deferred return values written to the ret-file descriptor, matching
// ovpn.py's CC_RET_* constants.
const (
	ccRetFailed    = 0
	ccRetSucceeded = 1
)

func main() {
	configPath := flag.String("config", "/etc/odrelayd/odrelayd.hcl", "path to the HCL configuration file")
	flag.Parse()

	log := logging.Default().WithComponent("main")

	loaded, err := config.LoadFile(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	rt := eventloop.New()
	d := newDaemon(rt, loaded, log)
	if err := d.start(); err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("event loop exited with error", "error", err)
	}
	d.stop()
}

// daemon wires together every long-lived component: one Requestor per
// distinct listening device/address, one concentrator Client per
// configured OpenVPN server, the client registry tracking active
// leases, and the command socket that receives connect/disconnect
// notifications.
type daemon struct {
	runtime *eventloop.Runtime
	cfg     *config.Loaded
	log     *logging.Logger

	requestors    *requestor.Manager
	concentrators map[string]*concentrator.Client
	supervisors   []*concentrator.Supervisor
	registry      *clientregistry.Registry
	cmdListener   *cmdsocket.Listener
}

func newDaemon(rt *eventloop.Runtime, cfg *config.Loaded, log *logging.Logger) *daemon {
	d := &daemon{
		runtime:       rt,
		cfg:           cfg,
		log:           log,
		requestors:    requestor.NewManager(),
		concentrators: make(map[string]*concentrator.Client),
	}
	d.registry = clientregistry.New(rt, clock.Real{}, d.refreshClient, d.disconnectClient)
	return d
}

func (d *daemon) start() error {
	for _, cc := range d.cfg.Concentrators {
		client := concentrator.New(d.runtime, cc.Name, cc.ManagementAddr)
		d.concentrators[cc.Name] = client
		d.supervisors = append(d.supervisors, concentrator.Watch(d.runtime, client, concentrator.DefaultReconnectInterval))
		d.scheduleSync(cc.Name, client)
	}

	for name, realm := range d.cfg.Realms {
		key := realm.DHCPListeningDevice + "@" + realm.DHCPListeningIP.String()
		if _, ok := d.requestors.Get(realm.DHCPListeningDevice, realm.DHCPListeningIP.String()); ok {
			continue
		}
		_, err := d.requestors.Open(requestor.Config{
			ListenAddress: realm.DHCPListeningIP,
			ListenPort:    realm.DHCPLocalPort,
			ListenDevice:  realm.DHCPListeningDevice,
			Runtime:       d.runtime,
		})
		if err != nil {
			return daemonerrors.Wrapf(err, daemonerrors.KindResource, "realm %q: opening listener %s", name, key)
		}
	}

	if d.cfg.CommandSocket != nil {
		if err := d.startCommandSocket(); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) stop() {
	if d.cmdListener != nil {
		d.cmdListener.Close()
	}
	for _, s := range d.supervisors {
		s.Stop()
	}
	if err := d.requestors.CloseAll(); err != nil {
		d.log.Warn("error closing requestors", "error", err)
	}
}

// scheduleSync arms the periodic client-list reconciliation pass for
// one concentrator, re-arming itself after every run so it keeps
// firing every cfg.SyncInterval for the life of the daemon.
func (d *daemon) scheduleSync(concentratorName string, client *concentrator.Client) {
	d.runtime.ScheduleAfter(d.cfg.SyncInterval, func() {
		d.runSync(concentratorName, client)
		d.scheduleSync(concentratorName, client)
	})
}

// runSync polls concentratorName's authoritative client list and
// reconciles it against the registry, matching spec §4.7's sync
// operation. PollClientList's onDone runs on the dispatch goroutine
// (posted there by the concentrator's own pump), so this and
// everything it calls may touch registry/requestor state directly.
func (d *daemon) runSync(concentratorName string, client *concentrator.Client) {
	client.PollClientList(func(clients []concentrator.ConnectedClient, err error) {
		if err != nil {
			d.log.Warn("failed to poll client list for sync", "concentrator", concentratorName, "error", err)
			return
		}

		live := make(map[string]net.IP, len(clients))
		for _, c := range clients {
			if c.VirtualAddress == nil {
				// Entries whose virtual address is not yet assigned are
				// skipped, per spec.
				continue
			}
			live[c.CommonName] = c.VirtualAddress
		}

		d.registry.Sync(concentratorName, live, func(fullUsername string, virtualIP net.IP) {
			d.handleSyncDetected(concentratorName, fullUsername, virtualIP)
		})
	})
}

// handleSyncDetected handles a client the concentrator reports but
// the registry did not already track: adopt it if its username and
// realm resolve, else ask the concentrator to disconnect it.
func (d *daemon) handleSyncDetected(concentratorName, fullUsername string, virtualIP net.IP) {
	parsed, ok := username.Parse(fullUsername, "")
	if !ok {
		d.log.Warn("sync detected client with unparseable username, disconnecting", "user", fullUsername)
		d.disconnectClient(concentratorName, fullUsername)
		return
	}
	realm, ok := d.cfg.Realms[parsed.Realm]
	if !ok {
		d.log.Warn("sync detected client in unknown realm, disconnecting", "user", fullUsername, "realm", parsed.Realm)
		d.disconnectClient(concentratorName, fullUsername)
		return
	}

	d.registry.CreateDetected(fullUsername, concentratorName, realm.Name, virtualIP)
}

func (d *daemon) startCommandSocket() error {
	sc := d.cfg.CommandSocket

	mode := os.FileMode(0o666)
	if sc.Mode != "" {
		m, err := config.ParseFileMode(sc.Mode)
		if err != nil {
			return daemonerrors.Wrap(err, daemonerrors.KindConfig, "invalid command_socket mode")
		}
		mode = os.FileMode(m)
	}

	auth, err := buildAuthFunc(sc)
	if err != nil {
		return err
	}

	ln, err := cmdsocket.Listen(sc.Path, mode, auth, d.handleCommand)
	if err != nil {
		return err
	}
	if err := chownSocket(sc); err != nil {
		d.log.Warn("failed to chown command socket", "error", err)
	}
	d.cmdListener = ln

	go func() {
		if err := ln.Serve(context.Background()); err != nil {
			d.log.Debug("command socket listener stopped", "error", err)
		}
	}()
	return nil
}

// buildAuthFunc resolves the configured allow-lists of usernames and
// group names into uid/gid sets once at startup, matching
// odrd.py's cmd_conn_auth_check.
func buildAuthFunc(sc *config.CommandSocketConfig) (cmdsocket.AuthFunc, error) {
	if len(sc.AllowedUsers) == 0 && len(sc.AllowedGroups) == 0 {
		return nil, nil
	}

	uids := make(map[uint32]bool)
	for _, name := range sc.AllowedUsers {
		u, err := user.Lookup(name)
		if err != nil {
			return nil, daemonerrors.Wrapf(err, daemonerrors.KindConfig, "allowed_users: unknown user %q", name)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, err
		}
		uids[uint32(uid)] = true
	}

	gids := make(map[uint32]bool)
	for _, name := range sc.AllowedGroups {
		g, err := user.LookupGroup(name)
		if err != nil {
			return nil, daemonerrors.Wrapf(err, daemonerrors.KindConfig, "allowed_groups: unknown group %q", name)
		}
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, err
		}
		gids[uint32(gid)] = true
	}

	return func(pid int32, uid, gid uint32) bool {
		return uids[uid] || gids[gid]
	}, nil
}

func chownSocket(sc *config.CommandSocketConfig) error {
	if sc.Owner == "" && sc.Group == "" {
		return nil
	}
	uid, gid := -1, -1
	if sc.Owner != "" {
		u, err := user.Lookup(sc.Owner)
		if err != nil {
			return err
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if sc.Group != "" {
		g, err := user.LookupGroup(sc.Group)
		if err != nil {
			return err
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return os.Chown(sc.Path, uid, gid)
}

// handleCommand dispatches a decoded command message, mirroring
// OvpnCmdConn.handle_cmd.
func (d *daemon) handleCommand(conn *cmdsocket.Conn, msg cmdsocket.Message) {
	switch msg.Cmd {
	case "request":
		d.handleRequestCmd(conn, msg)
	case "disconnect":
		d.handleDisconnectCmd(conn, msg)
	default:
		conn.Send("FAIL", nil)
		d.log.Warn("received unknown command", "cmd", msg.Cmd)
	}
}

func paramString(params map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func paramInt(params map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	// Indices may also arrive as decimal strings, e.g. "ret_file_idx":"0".
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *daemon) handleRequestCmd(conn *cmdsocket.Conn, msg cmdsocket.Message) {
	fullUsername, ok1 := paramString(msg.Params, "full_username")
	concentratorName, ok2 := paramString(msg.Params, "daemon_name")
	retIdx, ok3 := paramInt(msg.Params, "ret_file_idx")
	cfgIdx, ok4 := paramInt(msg.Params, "config_file_idx")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		conn.Send("FAIL", nil)
		d.log.Warn("request command is missing a parameter")
		return
	}

	if retIdx < 0 || retIdx >= len(msg.Files) || cfgIdx < 0 || cfgIdx >= len(msg.Files) {
		conn.Send("FAIL", nil)
		d.log.Warn("file descriptor index out of range")
		return
	}
	retFile, cfgFile := msg.Files[retIdx], msg.Files[cfgIdx]

	parsed, ok := username.Parse(fullUsername, "")
	if !ok {
		conn.Send("FAIL", nil)
		d.log.Warn("parsing username failed", "user", fullUsername)
		retFile.Close()
		cfgFile.Close()
		return
	}
	realm, ok := d.cfg.Realms[parsed.Realm]
	if !ok {
		conn.Send("FAIL", nil)
		d.log.Error("unknown realm", "realm", parsed.Realm)
		retFile.Close()
		cfgFile.Close()
		return
	}
	if _, ok := d.concentrators[concentratorName]; !ok {
		conn.Send("FAIL", nil)
		d.log.Error("unknown concentrator", "concentrator", concentratorName)
		retFile.Close()
		cfgFile.Close()
		return
	}

	conn.Send("OK", nil)
	// startInitialRequest touches requestor/transaction state that is
	// only safe to mutate from the event runtime's dispatch goroutine;
	// this handler runs on its own per-connection goroutine (cmdsocket's
	// HandlerFunc contract), so it must Post rather than call directly.
	d.runtime.Post(func() {
		d.startInitialRequest(fullUsername, concentratorName, realm, retFile, cfgFile)
	})
}

func (d *daemon) handleDisconnectCmd(conn *cmdsocket.Conn, msg cmdsocket.Message) {
	fullUsername, ok1 := paramString(msg.Params, "full_username")
	concentratorName, ok2 := paramString(msg.Params, "daemon_name")
	if !ok1 || !ok2 {
		conn.Send("FAIL", nil)
		d.log.Warn("disconnect command is missing a parameter")
		return
	}
	if _, ok := d.concentrators[concentratorName]; !ok {
		conn.Send("FAIL", nil)
		d.log.Error("unknown concentrator", "concentrator", concentratorName)
		return
	}

	conn.Send("OK", nil)
	// Registry methods must run on the dispatch goroutine; see the
	// comment in handleRequestCmd.
	d.runtime.Post(func() {
		d.registry.ClientDisconnected(concentratorName, fullUsername)
	})
}

// writeDeferredResult writes one of the CC_RET_* values to the
// deferred return-value file descriptor handed to us by the hook
// process, matching write_deferred_ret_file. It is safe to call more
// than once; only the first call actually writes.
func writeDeferredResult(f *os.File, val int) {
	defer f.Close()
	if _, err := f.WriteAt([]byte(strconv.Itoa(val)), 0); err != nil {
		return
	}
	f.Sync()
}

func (d *daemon) startInitialRequest(fullUsername, concentratorName string, realm *config.Realm, retFile, cfgFile *os.File) {
	req, ok := d.requestors.Get(realm.DHCPListeningDevice, realm.DHCPListeningIP.String())
	if !ok {
		d.log.Error("no requestor for realm", "realm", realm.Name)
		writeDeferredResult(retFile, ccRetFailed)
		cfgFile.Close()
		return
	}

	xid := requestor.NewXID()
	txn := req.NewTransaction(dhcptxn.Config{
		XID:        xid,
		Kind:       dhcptxn.KindInitial,
		ServerIPs:  realm.DHCPServerIPs,
		LocalIP:    realm.DHCPListeningIP,
		Username:   fullUsername,
		LeaseTime:  realm.ExpectedDHCPLeaseTime,
		TargetAddr: linkSelectionAddr(realm),
		OnSuccess: func(lease *dhcpwire.Lease) {
			d.handleLeaseAcquired(fullUsername, concentratorName, realm, lease, retFile, cfgFile)
		},
		OnFailure: func(err error) {
			d.log.Warn("initial dhcp request failed", "user", fullUsername, "error", err)
			writeDeferredResult(retFile, ccRetFailed)
			cfgFile.Close()
		},
	})
	txn.Start()
}

// linkSelectionAddr picks the address RFC 3527 relay-agent
// link-selection should advertise: the realm's configured subnet's
// network address, if any, else none.
func linkSelectionAddr(realm *config.Realm) net.IP {
	if realm.SubnetIPv4 == nil {
		return nil
	}
	return realm.SubnetIPv4.IP
}

func (d *daemon) handleLeaseAcquired(fullUsername, concentratorName string, realm *config.Realm, lease *dhcpwire.Lease, retFile, cfgFile *os.File) {
	fragment, err := buildFragment(realm, fullUsername, lease)
	if err != nil {
		d.log.Error("failed to build config fragment", "user", fullUsername, "error", err)
		writeDeferredResult(retFile, ccRetFailed)
		cfgFile.Close()
		return
	}

	if _, err := cfgFile.WriteString(fragment); err != nil {
		d.log.Error("failed to write config fragment", "user", fullUsername, "error", err)
		writeDeferredResult(retFile, ccRetFailed)
		cfgFile.Close()
		return
	}
	cfgFile.Close()

	d.registry.Create(fullUsername, concentratorName, realm.Name, lease.IPAddress, lease.LeaseTimeout, lease.RebindingTimeout)
	writeDeferredResult(retFile, ccRetSucceeded)
}

func buildFragment(realm *config.Realm, fullUsername string, lease *dhcpwire.Lease) (string, error) {
	params := ovpnconfig.Params{
		VLANID:              realm.VLANID,
		DefaultGatewayIPv4:  realm.DefaultGatewayIPv4,
		ProvideDefaultRoute: realm.ProvideDefaultRoute,
	}
	for _, r := range realm.StaticRoutesIPv4 {
		params.StaticRoutesIPv4 = append(params.StaticRoutesIPv4, ovpnconfig.StaticRouteV4(r))
	}
	for _, r := range realm.StaticRoutesIPv6 {
		params.StaticRoutesIPv6 = append(params.StaticRoutesIPv6, ovpnconfig.StaticRouteV6(r))
	}

	if realm.SubnetIPv6 != nil {
		today := currentDate()
		addr := config.AssignIPv6(realm.SubnetIPv6, realm.IPv6Secret, fullUsername, today)
		gw := config.AssignIPv6Gateway(realm.SubnetIPv6, realm.DefaultGatewayIPv6)
		params.IPv6 = &ovpnconfig.IPv6Assignment{
			Address: fmt.Sprintf("%s/%d", addr, prefixLen(realm.SubnetIPv6)),
			Gateway: gw.String(),
		}
	}

	return ovpnconfig.BuildFragment(params, lease)
}

func prefixLen(n *net.IPNet) int {
	ones, _ := n.Mask.Size()
	return ones
}

// currentDate returns today's date as the ISO-8601 calendar date
// AssignIPv6 mixes into its hash, so a client's assigned IPv6 address
// changes once a day rather than staying fixed forever.
func currentDate() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (d *daemon) refreshClient(c *clientregistry.Client, onSuccess func(*dhcpwire.Lease), onFailure func(error)) {
	realm, ok := d.cfg.Realms[c.RealmName]
	if !ok {
		onFailure(daemonerrors.Errorf(daemonerrors.KindConfig, "unknown realm %q for renewal", c.RealmName))
		return
	}
	req, ok := d.requestors.Get(realm.DHCPListeningDevice, realm.DHCPListeningIP.String())
	if !ok {
		onFailure(daemonerrors.Errorf(daemonerrors.KindResource, "no requestor for realm %q", c.RealmName))
		return
	}

	xid := requestor.NewXID()
	txn := req.NewTransaction(dhcptxn.Config{
		XID:        xid,
		Kind:       dhcptxn.KindRefresh,
		ServerIPs:  realm.DHCPServerIPs,
		LocalIP:    realm.DHCPListeningIP,
		Username:   c.FullUsername,
		LeaseTime:  realm.ExpectedDHCPLeaseTime,
		LeasedIP:   c.LeasedIP,
		OnSuccess:  onSuccess,
		OnFailure:  onFailure,
	})
	txn.Start()
}

func (d *daemon) disconnectClient(concentratorName, fullUsername string) {
	client, ok := d.concentrators[concentratorName]
	if !ok {
		d.log.Error("disconnect for unknown concentrator", "concentrator", concentratorName)
		return
	}
	client.DisconnectClient(fullUsername, func(ok bool) {
		if !ok {
			d.log.Warn("concentrator rejected disconnect request", "user", fullUsername)
		}
	})
}
