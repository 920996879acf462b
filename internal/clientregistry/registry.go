// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clientregistry tracks which concentrator clients this
// daemon has brokered a DHCP lease for, and schedules a renewal at
// each lease's rebinding timeout. It is the Go
// translation of original_source/odr/odrd.py's OvpnClient and
// OvpnClientManager.
package clientregistry

import (
	"net"
	"time"

	"grimm.is/odrelayd/internal/clock"
	"grimm.is/odrelayd/internal/dhcpwire"
	"grimm.is/odrelayd/internal/eventloop"
	"grimm.is/odrelayd/internal/logging"
)

// Client is one concentrator connection this daemon is tracking a
// lease for.
type Client struct {
	FullUsername     string
	Concentrator     string
	RealmName        string
	LeasedIP         net.IP
	LeaseTimeout     time.Time
	RebindingTimeout time.Time

	killed bool
	timer  *eventloop.Timer
}

// Killed reports whether this client has already been torn down.
// Pending callbacks still check this flag so a just-killed client
// never triggers a late refresh or a double disconnect (I4).
func (c *Client) Killed() bool { return c.killed }

// RefreshFunc starts a renewal DHCP transaction for c, invoking
// exactly one of onSuccess/onFailure when it completes.
type RefreshFunc func(c *Client, onSuccess func(*dhcpwire.Lease), onFailure func(error))

// DisconnectFunc asks the concentrator to drop a client by username.
type DisconnectFunc func(concentrator, fullUsername string)

// Registry indexes clients by username and by concentrator, and owns
// the rebinding-timeout timer for each. All methods must be called
// from the event runtime's dispatch goroutine.
type Registry struct {
	runtime *eventloop.Runtime
	clock   clock.Clock

	refresh    RefreshFunc
	disconnect DisconnectFunc

	byUsername     map[string]*Client
	byConcentrator map[string]map[string]*Client

	log *logging.Logger
}

// New constructs an empty Registry.
func New(runtime *eventloop.Runtime, c clock.Clock, refresh RefreshFunc, disconnect DisconnectFunc) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		runtime:        runtime,
		clock:          c,
		refresh:        refresh,
		disconnect:     disconnect,
		byUsername:     make(map[string]*Client),
		byConcentrator: make(map[string]map[string]*Client),
		log:            logging.Default().WithComponent("clientregistry"),
	}
}

// Create adds a newly, successfully DHCP-provisioned client and arms
// its renewal timer, replacing any existing entry for the same
// username (a reconnect under the same identity supersedes the old
// session).
func (r *Registry) Create(fullUsername, concentrator, realm string, leasedIP net.IP, leaseTimeout, rebindingTimeout time.Time) *Client {
	if existing, ok := r.byUsername[fullUsername]; ok {
		r.log.Info("replacing existing client with freshly connected instance", "user", fullUsername)
		r.remove(existing)
	}

	c := &Client{
		FullUsername:     fullUsername,
		Concentrator:     concentrator,
		RealmName:        realm,
		LeasedIP:         leasedIP,
		LeaseTimeout:     leaseTimeout,
		RebindingTimeout: rebindingTimeout,
	}
	r.add(c)
	r.armRenewal(c)
	return c
}

// CreateDetected adds a client discovered during a sync pass (already
// connected to the concentrator before this daemon knew about it).
// Its next renewal is scheduled soon rather than at a known
// rebinding timeout, since none is known.
func (r *Registry) CreateDetected(fullUsername, concentrator, realm string, leasedIP net.IP) *Client {
	soon := r.clock.Now().Add(r.clock.Jitter(0, 10*time.Second))
	c := &Client{
		FullUsername:     fullUsername,
		Concentrator:     concentrator,
		RealmName:        realm,
		LeasedIP:         leasedIP,
		RebindingTimeout: soon,
	}
	r.add(c)
	r.armRenewal(c)
	return c
}

func (r *Registry) add(c *Client) {
	r.byUsername[c.FullUsername] = c
	server, ok := r.byConcentrator[c.Concentrator]
	if !ok {
		server = make(map[string]*Client)
		r.byConcentrator[c.Concentrator] = server
	}
	server[c.FullUsername] = c
}

func (r *Registry) remove(c *Client) {
	c.killed = true
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	delete(r.byUsername, c.FullUsername)
	if server, ok := r.byConcentrator[c.Concentrator]; ok {
		delete(server, c.FullUsername)
	}
}

func (r *Registry) armRenewal(c *Client) {
	c.timer = r.runtime.ScheduleAt(c.RebindingTimeout, func() { r.handleRenewal(c) })
}

func (r *Registry) handleRenewal(c *Client) {
	if c.Killed() {
		return
	}
	if !c.LeaseTimeout.IsZero() && !r.clock.Now().Before(c.LeaseTimeout) {
		r.log.Warn("rebinding timeout fired too late, lease already expired; disconnecting",
			"user", c.FullUsername, "lease_timeout", c.LeaseTimeout)
		r.disconnect(c.Concentrator, c.FullUsername)
		return
	}

	r.refresh(c,
		func(lease *dhcpwire.Lease) { r.handleRenewalSuccess(c, lease) },
		func(err error) { r.handleRenewalFailure(c, err) },
	)
}

func (r *Registry) handleRenewalSuccess(c *Client, lease *dhcpwire.Lease) {
	if c.Killed() {
		return
	}
	c.LeasedIP = lease.IPAddress
	c.RebindingTimeout = lease.RebindingTimeout
	c.LeaseTimeout = lease.LeaseTimeout
	r.armRenewal(c)
}

func (r *Registry) handleRenewalFailure(c *Client, err error) {
	if c.Killed() {
		return
	}
	r.log.Warn("lease renewal failed, disconnecting client", "user", c.FullUsername, "error", err)
	r.disconnect(c.Concentrator, c.FullUsername)
}

// ClientDisconnected removes the client matching fullUsername on
// concentrator. It is idempotent: a client already removed (e.g. via
// Sync) produces no error, only a debug log.
func (r *Registry) ClientDisconnected(concentrator, fullUsername string) {
	server, ok := r.byConcentrator[concentrator]
	if !ok {
		r.log.Error("disconnect for unknown concentrator", "concentrator", concentrator, "user", fullUsername)
		return
	}
	c, ok := server[fullUsername]
	if !ok {
		r.log.Debug("disconnect for untracked client", "concentrator", concentrator, "user", fullUsername)
		return
	}
	r.remove(c)
}

// Lookup returns the tracked client for fullUsername, if any.
func (r *Registry) Lookup(fullUsername string) (*Client, bool) {
	c, ok := r.byUsername[fullUsername]
	return c, ok
}

// Sync reconciles the registry's view of concentrator with the
// concentrator's own authoritative client list (full_username ->
// virtual IP). Clients the registry tracks but the concentrator no
// longer lists are removed (they disconnected without this daemon
// noticing); clients the concentrator lists but the registry does not
// track are reported via onDetected so the caller can decide whether
// to adopt them (CreateDetected) or disconnect them.
func (r *Registry) Sync(concentrator string, live map[string]net.IP, onDetected func(fullUsername string, virtualIP net.IP)) {
	tracked := r.byConcentrator[concentrator]

	for fullUsername, virtualIP := range live {
		if _, ok := tracked[fullUsername]; !ok {
			if onDetected != nil {
				onDetected(fullUsername, virtualIP)
			}
		}
	}

	for fullUsername, c := range tracked {
		if _, ok := live[fullUsername]; !ok {
			r.log.Debug("cleaning up client disconnected since last sync", "user", fullUsername)
			r.remove(c)
		}
	}
}
