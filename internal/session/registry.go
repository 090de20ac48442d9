// Package session implements the BLE session manager: background scans,
// device connections, and notification subscriptions, owned by a single
// coordinator goroutine that serializes all registry state.
//
// Hardware I/O never runs on the coordinator. Caller-facing operations are
// two-phase: a coordinator task validates handles and captures what the
// radio call needs, the radio call itself runs on the calling goroutine,
// and a second task publishes the result. Hardware callbacks cross into the
// coordinator by posting tasks; they never touch tables directly.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemcp/internal/groutine"
	"github.com/srg/blemcp/internal/hardware"
)

// connectGrace pads the caller's connect timeout with a hard outer deadline.
// Platform BLE stacks do not reliably honor their own timeouts.
const connectGrace = 5 * time.Second

// Hooks receives best-effort notifications about session events. Implementations
// must tolerate concurrent calls; panics are caught and logged, never
// propagated into registry state.
type Hooks interface {
	// DeviceDisconnected fires once per unexpected link loss.
	DeviceDisconnected(address, connectionHandle string)
	// NotificationReady fires for the first notification of each quiet
	// period on a subscription, until a consumer call rearms it.
	NotificationReady(subscriptionHandle, connectionHandle, charUUID string)
}

type nopHooks struct{}

func (nopHooks) DeviceDisconnected(string, string)        {}
func (nopHooks) NotificationReady(string, string, string) {}

// NopHooks is the default collaborator used when no hooks are installed.
var NopHooks Hooks = nopHooks{}

// Limits holds the resource ceilings and housekeeping knobs.
type Limits struct {
	MaxConnections                int
	MaxScans                      int
	MaxSubscriptionsPerConnection int
	NotificationQueueCap          int
	QuietPeriod                   time.Duration
	FinishedScanCap               int
	DisconnectedConnectionCap     int
}

// DefaultLimits mirrors the server's default configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections:                3,
		MaxScans:                      5,
		MaxSubscriptionsPerConnection: 10,
		NotificationQueueCap:          256,
		QuietPeriod:                   5 * time.Minute,
		FinishedScanCap:               10,
		DisconnectedConnectionCap:     10,
	}
}

// Registry is the session manager. All three session tables are owned by
// the coordinator goroutine; the flat subscription index is a lock-free map
// so notification consumers can resolve handles without a coordinator round
// trip.
type Registry struct {
	logger    *logrus.Logger
	transport hardware.Transport
	limits    Limits
	policy    WritePolicy
	hooks     Hooks

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	stop  sync.Once

	// Owned by the coordinator goroutine.
	conns map[string]*connSession
	scans map[string]*scanSession

	// Flat cross-index of all live subscriptions by handle. Kept in
	// lockstep with each connection's own subscription set: the single
	// insertion and removal paths touch both.
	subs *hashmap.Map[string, *subscription]

	// now is swappable for tests. Set before first use only.
	now func() time.Time
}

// NewRegistry builds a registry and starts its coordinator goroutine.
// Call Shutdown to release it.
func NewRegistry(logger *logrus.Logger, transport hardware.Transport, limits Limits, policy WritePolicy, hooks Hooks) *Registry {
	if hooks == nil {
		hooks = NopHooks
	}
	if limits.NotificationQueueCap <= 0 {
		limits.NotificationQueueCap = DefaultLimits().NotificationQueueCap
	}
	r := &Registry{
		logger:    logger,
		transport: transport,
		limits:    limits,
		policy:    policy,
		hooks:     hooks,
		tasks:     make(chan func(), 128),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		conns:     make(map[string]*connSession),
		scans:     make(map[string]*scanSession),
		subs:      hashmap.New[string, *subscription](),
		now:       time.Now,
	}
	groutine.Go(nil, "session-coordinator", r.loop)
	return r
}

func (r *Registry) loop(context.Context) {
	defer close(r.done)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.quit:
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the coordinator and waits for it to finish.
func (r *Registry) submit(fn func()) *Error {
	ran := make(chan struct{})
	select {
	case r.tasks <- func() { defer close(ran); fn() }:
	case <-r.quit:
		return Errorf(CodeInternal, "session registry is shut down")
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return Errorf(CodeInternal, "session registry is shut down")
	}
}

// post schedules fn on the coordinator without waiting. Used by hardware
// callbacks; events from one source keep their arrival order.
func (r *Registry) post(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.quit:
	}
}

// fireHook invokes an external collaborator off the coordinator. Panics are
// contained so a broken collaborator cannot corrupt registry state.
func (r *Registry) fireHook(name string, fn func()) {
	logger := r.logger
	groutine.Go(nil, name, func(context.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.WithFields(logrus.Fields{
					"hook":  name,
					"panic": p,
				}).Warn("Session hook panicked")
			}
		}()
		fn()
	})
}

// Shutdown tears down every session, stops the coordinator, and waits for
// it to exit. Hardware cleanup is best-effort.
func (r *Registry) Shutdown() {
	var clients []hardware.Client
	var stoppers []hardware.Stopper
	_ = r.submit(func() {
		for _, conn := range r.conns {
			conn.markDisconnected(r.now())
			if conn.client != nil {
				clients = append(clients, conn.client)
			}
		}
		r.conns = make(map[string]*connSession)
		for _, sc := range r.scans {
			if sc.finish(r.now()) && sc.stopper != nil {
				stoppers = append(stoppers, sc.stopper)
			}
		}
		r.scans = make(map[string]*scanSession)
		r.subs.Range(func(_ string, sub *subscription) bool {
			sub.detach()
			return true
		})
		r.subs = hashmap.New[string, *subscription]()
	})
	for _, st := range stoppers {
		if err := st.Stop(); err != nil {
			r.logger.WithError(err).Warn("Failed to stop scan during shutdown")
		}
	}
	for _, cl := range clients {
		if err := cl.Disconnect(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": cl.Address(),
				"error":   err.Error(),
			}).Warn("Failed to disconnect during shutdown")
		}
	}
	r.stop.Do(func() { close(r.quit) })
	<-r.done
}

// ---- scans ----

// ScanOptions configures a background scan.
type ScanOptions struct {
	// NameFilter keeps only devices whose advertised name contains the
	// substring, case-insensitively. Unnamed devices are dropped when set.
	NameFilter string
	// ServiceUUIDs restricts discovery at the radio layer.
	ServiceUUIDs []string
	// Duration arms the auto-stop timer.
	Duration time.Duration
}

// StartScan begins a background scan and returns its handle. The session is
// registered only after hardware discovery has actually started.
func (r *Registry) StartScan(opts ScanOptions) (string, error) {
	if opts.Duration <= 0 {
		return "", Errorf(CodeInvalidInput, "scan duration must be positive")
	}
	var active int
	if err := r.submit(func() { active = r.activeScansLocked() }); err != nil {
		return "", err
	}
	if active >= r.limits.MaxScans {
		return "", Errorf(CodeLimitExceeded, "too many concurrent scans (max %d)", r.limits.MaxScans)
	}

	services := make([]string, 0, len(opts.ServiceUUIDs))
	for _, u := range opts.ServiceUUIDs {
		services = append(services, hardware.NormalizeUUID(u))
	}
	handle := NewHandle()
	sc := newScanSession(handle, opts.NameFilter, services, r.now())

	stopper, err := r.transport.StartScan(hardware.ScanFilter{ServiceUUIDs: services}, func(adv hardware.Advertisement) {
		r.post(func() { sc.record(adv, r.now()) })
	})
	if err != nil {
		return "", Errorf(CodeInternal, "failed to start scan: %v", err)
	}

	var limitErr *Error
	serr := r.submit(func() {
		if r.activeScansLocked() >= r.limits.MaxScans {
			limitErr = Errorf(CodeLimitExceeded, "too many concurrent scans (max %d)", r.limits.MaxScans)
			return
		}
		sc.stopper = stopper
		sc.autoStop = time.AfterFunc(opts.Duration, func() { r.autoStopScan(handle) })
		r.scans[handle] = sc
	})
	if serr != nil {
		limitErr = serr
	}
	if limitErr != nil {
		if stopErr := stopper.Stop(); stopErr != nil {
			r.logger.WithError(stopErr).Warn("Failed to release scan after ceiling hit")
		}
		return "", limitErr
	}
	r.logger.WithFields(logrus.Fields{
		"scan":     handle,
		"duration": opts.Duration,
		"filter":   opts.NameFilter,
	}).Info("Scan started")
	return handle, nil
}

// StopScan ends a scan. Stopping an already-stopped scan is a no-op; the
// device table stays frozen at the first stop.
func (r *Registry) StopScan(handle string) error {
	return r.stopScan(handle, "explicit")
}

func (r *Registry) autoStopScan(handle string) {
	if err := r.stopScan(handle, "timeout"); err != nil {
		// Already reaped or stopped; nothing to do.
		return
	}
}

func (r *Registry) stopScan(handle, reason string) error {
	var stopper hardware.Stopper
	var found bool
	if err := r.submit(func() {
		sc, ok := r.scans[handle]
		if !ok {
			return
		}
		found = true
		if sc.finish(r.now()) {
			stopper = sc.stopper
			sc.stopper = nil
		}
	}); err != nil {
		return err
	}
	if !found {
		return Errorf(CodeNotFound, "unknown scan %s", handle)
	}
	if stopper != nil {
		if err := stopper.Stop(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"scan":  handle,
				"error": err.Error(),
			}).Warn("Failed to stop hardware discovery")
		}
		r.logger.WithFields(logrus.Fields{
			"scan":   handle,
			"reason": reason,
		}).Info("Scan stopped")
	}
	return nil
}

// ScanResults returns the scan's device table sorted strongest-signal
// first, along with session metadata. Valid for finished scans until they
// are reaped.
func (r *Registry) ScanResults(handle string) (ScanInfo, []DiscoveredDevice, error) {
	var info ScanInfo
	var devices []DiscoveredDevice
	var found bool
	if err := r.submit(func() {
		sc, ok := r.scans[handle]
		if !ok {
			return
		}
		found = true
		info = sc.info()
		devices = sc.snapshot()
	}); err != nil {
		return ScanInfo{}, nil, err
	}
	if !found {
		return ScanInfo{}, nil, Errorf(CodeNotFound, "unknown scan %s", handle)
	}
	return info, devices, nil
}

// ListScans runs the reaper, then summarizes every remaining scan.
func (r *Registry) ListScans() []ScanInfo {
	var out []ScanInfo
	_ = r.submit(func() {
		r.reapLocked()
		for _, sc := range r.scans {
			out = append(out, sc.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) activeScansLocked() int {
	n := 0
	for _, sc := range r.scans {
		if sc.active {
			n++
		}
	}
	return n
}

// ---- connections ----

// ConnectOptions configures a connect attempt.
type ConnectOptions struct {
	Address string
	Pair    bool
	Timeout time.Duration
}

// Connect dials a peripheral and registers the connection. The handle is
// returned only for a link that is both hardware-live and registered: a
// ceiling hit after a successful dial tears the fresh link down rather than
// leaving it untracked.
func (r *Registry) Connect(ctx context.Context, opts ConnectOptions) (ConnectionInfo, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return ConnectionInfo{}, Errorf(CodeInvalidInput, "device address is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var live int
	var name string
	var advertised []string
	if err := r.submit(func() {
		live = r.liveConnectionsLocked()
		name, advertised = r.deviceIdentityLocked(opts.Address)
	}); err != nil {
		return ConnectionInfo{}, err
	}
	if live >= r.limits.MaxConnections {
		return ConnectionInfo{}, Errorf(CodeLimitExceeded, "too many concurrent connections (max %d)", r.limits.MaxConnections)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout+connectGrace)
	defer cancel()

	var client hardware.Client
	err := withGATTRetry(dialCtx, r.logger, "connect "+opts.Address, func() error {
		c, derr := r.transport.Dial(dialCtx, opts.Address, opts.Pair)
		if derr != nil {
			return derr
		}
		client = c
		return nil
	})
	if err != nil {
		if dialCtx.Err() != nil {
			return ConnectionInfo{}, Errorf(CodeTimeout, "connect to %s timed out after %s", opts.Address, timeout)
		}
		return ConnectionInfo{}, Errorf(CodeInternal, "connect to %s failed: %v", opts.Address, err)
	}
	if !client.IsConnected() {
		r.teardownClient(client)
		return ConnectionInfo{}, Errorf(CodeDisconnected, "link to %s dropped during connect", opts.Address)
	}

	handle := NewHandle()
	conn := newConnSession(handle, opts.Address, name, client, r.now())
	conn.advertised = advertised

	var limitErr *Error
	var info ConnectionInfo
	serr := r.submit(func() {
		if r.liveConnectionsLocked() >= r.limits.MaxConnections {
			limitErr = Errorf(CodeLimitExceeded, "too many concurrent connections (max %d)", r.limits.MaxConnections)
			return
		}
		r.conns[handle] = conn
		info = conn.info()
	})
	if serr != nil {
		limitErr = serr
	}
	if limitErr != nil {
		r.teardownClient(client)
		return ConnectionInfo{}, limitErr
	}

	r.watchDisconnect(conn)
	r.logger.WithFields(logrus.Fields{
		"connection": handle,
		"address":    opts.Address,
		"name":       name,
		"mtu":        info.MTU,
	}).Info("Connected")
	return info, nil
}

func (r *Registry) teardownClient(client hardware.Client) {
	if err := client.Disconnect(); err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": client.Address(),
			"error":   err.Error(),
		}).Warn("Failed to release hardware link")
	}
}

// watchDisconnect relays the hardware disconnect signal into the
// coordinator. The transition is idempotent, so a watcher racing a stale
// lookup or an explicit disconnect is harmless.
func (r *Registry) watchDisconnect(conn *connSession) {
	groutine.Go(nil, "conn-watch-"+conn.handle, func(context.Context) {
		select {
		case <-conn.client.Disconnected():
			r.post(func() { r.unexpectedDisconnectLocked(conn, "hardware callback") })
		case <-r.quit:
		}
	})
}

// unexpectedDisconnectLocked records a link loss that the caller did not
// ask for, whether delivered by the hardware callback or observed as
// staleness during a lookup. The transition happens exactly once no matter
// how many paths race to report it, and the disconnect collaborator fires
// with it.
func (r *Registry) unexpectedDisconnectLocked(conn *connSession, reason string) {
	torn, transitioned := conn.markDisconnected(r.now())
	if !transitioned {
		return
	}
	for _, sub := range torn {
		r.subs.Del(sub.handle)
	}
	r.logger.WithFields(logrus.Fields{
		"connection":    conn.handle,
		"address":       conn.address,
		"subscriptions": len(torn),
		"reason":        reason,
	}).Warn("Device disconnected unexpectedly")
	address, handle := conn.address, conn.handle
	r.fireHook("hook-disconnect-"+handle, func() {
		r.hooks.DeviceDisconnected(address, handle)
	})
}

// observeStaleLocked flips a connection to disconnected when its hardware
// link is found dead during a lookup. Observing staleness is a mutation,
// not a pure read: subscriptions are detached and unindexed in the same
// step.
func (r *Registry) observeStaleLocked(conn *connSession) bool {
	if !conn.connected || conn.client.IsConnected() {
		return false
	}
	r.unexpectedDisconnectLocked(conn, "stale lookup")
	return true
}

func (r *Registry) requireLiveLocked(handle string) (*connSession, *Error) {
	conn, ok := r.conns[handle]
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown connection %s", handle)
	}
	r.observeStaleLocked(conn)
	if !conn.connected {
		return nil, Errorf(CodeDisconnected, "connection %s is disconnected", handle)
	}
	conn.touch(r.now())
	return conn, nil
}

func (r *Registry) liveConnectionsLocked() int {
	n := 0
	for _, conn := range r.conns {
		if conn.connected {
			n++
		}
	}
	return n
}

// deviceIdentityLocked recovers a device's advertised name and service
// UUIDs from the freshest scan row for its address, if any scan saw it.
func (r *Registry) deviceIdentityLocked(address string) (string, []string) {
	var best *DiscoveredDevice
	for _, sc := range r.scans {
		if d, ok := sc.devices[address]; ok {
			if best == nil || d.LastSeen.After(best.LastSeen) {
				best = d
			}
		}
	}
	if best == nil {
		return "", nil
	}
	return best.Name, best.ServiceUUIDs
}

// Disconnect tears down a connection: detach and unindex every
// subscription, remove the registry entry, then best-effort disable
// notifications and drop the hardware link. A second call reports NotFound.
func (r *Registry) Disconnect(handle string) error {
	var client hardware.Client
	var torn []*subscription
	var found bool
	if err := r.submit(func() {
		conn, ok := r.conns[handle]
		if !ok {
			return
		}
		found = true
		delete(r.conns, handle)
		torn, _ = conn.markDisconnected(r.now())
		for _, sub := range torn {
			r.subs.Del(sub.handle)
		}
		client = conn.client
	}); err != nil {
		return err
	}
	if !found {
		return Errorf(CodeNotFound, "unknown connection %s", handle)
	}
	for _, sub := range torn {
		if err := client.StopNotify(sub.charUUID); err != nil {
			r.logger.WithFields(logrus.Fields{
				"connection":     handle,
				"characteristic": sub.charUUID,
				"error":          err.Error(),
			}).Debug("Failed to disable notifications during teardown")
		}
	}
	if client != nil {
		r.teardownClient(client)
	}
	r.logger.WithFields(logrus.Fields{"connection": handle}).Info("Disconnected")
	return nil
}

// ConnectionStatus reports a connection's state, including disconnected
// sessions that have not been reaped yet. Staleness is detected here too.
func (r *Registry) ConnectionStatus(handle string) (ConnectionInfo, error) {
	var info ConnectionInfo
	var found bool
	if err := r.submit(func() {
		conn, ok := r.conns[handle]
		if !ok {
			return
		}
		found = true
		r.observeStaleLocked(conn)
		info = conn.info()
	}); err != nil {
		return ConnectionInfo{}, err
	}
	if !found {
		return ConnectionInfo{}, Errorf(CodeNotFound, "unknown connection %s", handle)
	}
	return info, nil
}

// ListConnections runs the reaper, then summarizes every remaining
// connection.
func (r *Registry) ListConnections() []ConnectionInfo {
	var out []ConnectionInfo
	_ = r.submit(func() {
		r.reapLocked()
		for _, conn := range r.conns {
			r.observeStaleLocked(conn)
			out = append(out, conn.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ---- GATT operations ----

// ensureServices returns the connection's hardware client and its
// discovered-services snapshot, running the discovery walk on first use.
// The snapshot is write-once: concurrent first discoveries resolve to
// whichever published first.
func (r *Registry) ensureServices(ctx context.Context, handle string) (hardware.Client, []*hardware.Service, error) {
	var client hardware.Client
	var cached []*hardware.Service
	var lerr *Error
	if err := r.submit(func() {
		conn, cerr := r.requireLiveLocked(handle)
		if cerr != nil {
			lerr = cerr
			return
		}
		client = conn.client
		cached = conn.services
	}); err != nil {
		return nil, nil, err
	}
	if lerr != nil {
		return nil, nil, lerr
	}
	if cached != nil {
		return client, cached, nil
	}

	var services []*hardware.Service
	if err := withGATTRetry(ctx, r.logger, "discover", func() error {
		s, derr := client.DiscoverServices()
		if derr != nil {
			return derr
		}
		services = s
		return nil
	}); err != nil {
		return nil, nil, mapHardwareError("service discovery", err)
	}

	_ = r.submit(func() {
		if conn, ok := r.conns[handle]; ok {
			conn.setServices(services)
			services = conn.services
		}
	})
	return client, services, nil
}

// Discover returns the connection's GATT tree, discovering it on first
// call and serving the cached snapshot afterwards.
func (r *Registry) Discover(ctx context.Context, handle string) ([]*hardware.Service, error) {
	_, services, err := r.ensureServices(ctx, handle)
	return services, err
}

// MTU reports the negotiated MTU of a live connection.
func (r *Registry) MTU(handle string) (int, error) {
	var mtu int
	var lerr *Error
	if err := r.submit(func() {
		conn, cerr := r.requireLiveLocked(handle)
		if cerr != nil {
			lerr = cerr
			return
		}
		mtu = conn.client.MTU()
	}); err != nil {
		return 0, err
	}
	if lerr != nil {
		return 0, lerr
	}
	return mtu, nil
}

// Read reads a characteristic value. Transient radio faults are retried
// invisibly; the peripheral must expose the characteristic in its GATT
// tree.
func (r *Registry) Read(ctx context.Context, handle, charUUID string) ([]byte, error) {
	norm := hardware.NormalizeUUID(charUUID)
	client, services, err := r.ensureServices(ctx, handle)
	if err != nil {
		return nil, err
	}
	if findCharacteristic(services, norm) == nil {
		return nil, Errorf(CodeNotFound, "characteristic %s not found on connection %s", norm, handle)
	}
	var value []byte
	if err := withGATTRetry(ctx, r.logger, "read "+norm, func() error {
		v, rerr := client.Read(norm)
		if rerr != nil {
			return rerr
		}
		value = v
		return nil
	}); err != nil {
		return nil, mapHardwareError("read", err)
	}
	return value, nil
}

// Write writes a characteristic value, subject to the write policy and the
// link's MTU budget.
func (r *Registry) Write(ctx context.Context, handle, charUUID string, value []byte, withResponse bool) error {
	if err := r.policy.Check(charUUID); err != nil {
		return err
	}
	norm := hardware.NormalizeUUID(charUUID)
	client, services, err := r.ensureServices(ctx, handle)
	if err != nil {
		return err
	}
	ch := findCharacteristic(services, norm)
	if ch == nil {
		return Errorf(CodeNotFound, "characteristic %s not found on connection %s", norm, handle)
	}
	if !isWritable(ch) {
		return Errorf(CodeInvalidInput, "characteristic %s is not writable", norm)
	}
	if max := client.MTU() - 3; len(value) > max {
		return Errorf(CodeInvalidInput, "payload of %d bytes exceeds max write size %d", len(value), max)
	}
	if err := withGATTRetry(ctx, r.logger, "write "+norm, func() error {
		return client.Write(norm, value, withResponse)
	}); err != nil {
		return mapHardwareError("write", err)
	}
	return nil
}

// ReadDescriptor reads a descriptor by its numeric GATT handle.
func (r *Registry) ReadDescriptor(ctx context.Context, handle string, descHandle uint16) ([]byte, error) {
	client, services, err := r.ensureServices(ctx, handle)
	if err != nil {
		return nil, err
	}
	if findDescriptor(services, descHandle) == nil {
		return nil, Errorf(CodeNotFound, "descriptor 0x%04x not found on connection %s", descHandle, handle)
	}
	var value []byte
	if err := withGATTRetry(ctx, r.logger, "read descriptor", func() error {
		v, rerr := client.ReadDescriptor(descHandle)
		if rerr != nil {
			return rerr
		}
		value = v
		return nil
	}); err != nil {
		return nil, mapHardwareError("descriptor read", err)
	}
	return value, nil
}

// WriteDescriptor writes a descriptor by its numeric GATT handle. Gated on
// the write-enable switch; the characteristic allowlist does not apply to
// descriptors.
func (r *Registry) WriteDescriptor(ctx context.Context, handle string, descHandle uint16, value []byte) error {
	if !r.policy.AllowWrites {
		return Errorf(CodeWritesDisabled, "writes are disabled; enable them in the server configuration")
	}
	client, services, err := r.ensureServices(ctx, handle)
	if err != nil {
		return err
	}
	if findDescriptor(services, descHandle) == nil {
		return Errorf(CodeNotFound, "descriptor 0x%04x not found on connection %s", descHandle, handle)
	}
	if err := withGATTRetry(ctx, r.logger, "write descriptor", func() error {
		return client.WriteDescriptor(descHandle, value)
	}); err != nil {
		return mapHardwareError("descriptor write", err)
	}
	return nil
}

func findCharacteristic(services []*hardware.Service, normalizedUUID string) *hardware.Characteristic {
	for _, svc := range services {
		for _, ch := range svc.Characteristics {
			if ch.UUID == normalizedUUID {
				return ch
			}
		}
	}
	return nil
}

func findDescriptor(services []*hardware.Service, handle uint16) *hardware.Descriptor {
	for _, svc := range services {
		for _, ch := range svc.Characteristics {
			for _, d := range ch.Descriptors {
				if d.Handle == handle {
					return d
				}
			}
		}
	}
	return nil
}

func isWritable(ch *hardware.Characteristic) bool {
	for _, p := range ch.Properties {
		if p == "write" || p == "write-without-response" {
			return true
		}
	}
	return false
}

func notifyMode(ch *hardware.Characteristic) string {
	mode := ""
	for _, p := range ch.Properties {
		switch p {
		case "notify":
			return "notify"
		case "indicate":
			mode = "indicate"
		}
	}
	return mode
}

// mapHardwareError folds a raw hardware failure into the session taxonomy
// once retries are exhausted.
func mapHardwareError(op string, err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return Errorf(CodeTimeout, "%s timed out: %v", op, err)
	case strings.Contains(msg, "disconnect"):
		return Errorf(CodeDisconnected, "%s failed: %v", op, err)
	default:
		return Errorf(CodeInternal, "%s failed: %v", op, err)
	}
}

// ---- subscriptions ----

// Subscribe enables notifications on a characteristic and registers the
// subscription in both tables. One subscription per characteristic per
// connection: a duplicate subscribe returns the existing one.
func (r *Registry) Subscribe(ctx context.Context, connHandle, charUUID string) (SubscriptionInfo, error) {
	norm := hardware.NormalizeUUID(charUUID)
	client, services, err := r.ensureServices(ctx, connHandle)
	if err != nil {
		return SubscriptionInfo{}, err
	}
	ch := findCharacteristic(services, norm)
	if ch == nil {
		return SubscriptionInfo{}, Errorf(CodeNotFound, "characteristic %s not found on connection %s", norm, connHandle)
	}
	mode := notifyMode(ch)
	if mode == "" {
		return SubscriptionInfo{}, Errorf(CodeInvalidInput, "characteristic %s supports neither notifications nor indications", norm)
	}

	var existing SubscriptionInfo
	var haveExisting bool
	var address string
	var count int
	var lerr *Error
	if err := r.submit(func() {
		conn, cerr := r.requireLiveLocked(connHandle)
		if cerr != nil {
			lerr = cerr
			return
		}
		address = conn.address
		count = len(conn.subs)
		if sub, ok := conn.subs[norm]; ok {
			existing = sub.info()
			haveExisting = true
		}
	}); err != nil {
		return SubscriptionInfo{}, err
	}
	if lerr != nil {
		return SubscriptionInfo{}, lerr
	}
	if haveExisting {
		return existing, nil
	}
	if count >= r.limits.MaxSubscriptionsPerConnection {
		return SubscriptionInfo{}, Errorf(CodeLimitExceeded, "too many subscriptions on connection %s (max %d)", connHandle, r.limits.MaxSubscriptionsPerConnection)
	}

	sub := newSubscription(NewHandle(), connHandle, address, norm, mode, r.limits.NotificationQueueCap, r.now())
	if err := withGATTRetry(ctx, r.logger, "subscribe "+norm, func() error {
		return client.StartNotify(norm, func(data []byte) {
			dropped, first := sub.deliver(data, r.now())
			if dropped {
				r.logger.WithFields(logrus.Fields{
					"subscription":   sub.handle,
					"characteristic": norm,
				}).Debug("Notification queue overflow, oldest dropped")
			}
			if first {
				r.fireHook("hook-notify-"+sub.handle, func() {
					r.hooks.NotificationReady(sub.handle, connHandle, norm)
				})
			}
		})
	}); err != nil {
		return SubscriptionInfo{}, mapHardwareError("subscribe", err)
	}

	var limitErr *Error
	var info SubscriptionInfo
	serr := r.submit(func() {
		conn, cerr := r.requireLiveLocked(connHandle)
		if cerr != nil {
			lerr = cerr
			return
		}
		if prev, ok := conn.subs[norm]; ok {
			// Lost a race with another subscriber to the same
			// characteristic. The hardware handler now feeding sub is
			// the live one, so the newer subscription wins.
			prev.detach()
			r.subs.Del(prev.handle)
		} else if len(conn.subs) >= r.limits.MaxSubscriptionsPerConnection {
			limitErr = Errorf(CodeLimitExceeded, "too many subscriptions on connection %s (max %d)", connHandle, r.limits.MaxSubscriptionsPerConnection)
			return
		}
		conn.subs[norm] = sub
		r.subs.Set(sub.handle, sub)
		info = sub.info()
	})
	if serr != nil {
		lerr = serr
	}
	if lerr != nil || limitErr != nil {
		sub.detach()
		if stopErr := client.StopNotify(norm); stopErr != nil {
			r.logger.WithFields(logrus.Fields{
				"characteristic": norm,
				"error":          stopErr.Error(),
			}).Debug("Failed to disable notifications after failed subscribe")
		}
		if lerr != nil {
			return SubscriptionInfo{}, lerr
		}
		return SubscriptionInfo{}, limitErr
	}
	r.logger.WithFields(logrus.Fields{
		"subscription":   sub.handle,
		"connection":     connHandle,
		"characteristic": norm,
		"mode":           mode,
	}).Info("Subscribed")
	return info, nil
}

// Unsubscribe tears down one subscription from both tables and best-effort
// disables hardware notifications.
func (r *Registry) Unsubscribe(connHandle, subHandle string) error {
	var client hardware.Client
	var charUUID string
	var lerr *Error
	if err := r.submit(func() {
		sub, ok := r.subs.Get(subHandle)
		if !ok {
			lerr = Errorf(CodeNotFound, "unknown subscription %s", subHandle).WithDetail("unknown_subscription")
			return
		}
		if sub.connHandle != connHandle {
			lerr = Errorf(CodeInvalidInput, "subscription %s does not belong to connection %s", subHandle, connHandle).WithDetail("subscription_mismatch")
			return
		}
		if conn, ok := r.conns[connHandle]; ok {
			delete(conn.subs, sub.charUUID)
			client = conn.client
		}
		r.subs.Del(subHandle)
		sub.detach()
		charUUID = sub.charUUID
	}); err != nil {
		return err
	}
	if lerr != nil {
		return lerr
	}
	if client != nil {
		if err := client.StopNotify(charUUID); err != nil {
			r.logger.WithFields(logrus.Fields{
				"subscription":   subHandle,
				"characteristic": charUUID,
				"error":          err.Error(),
			}).Debug("Failed to disable notifications during unsubscribe")
		}
	}
	return nil
}

// findSubscription resolves a subscription for the queue-read paths. The
// flat index is lock-free, so no coordinator round trip is needed.
func (r *Registry) findSubscription(connHandle, subHandle string) (*subscription, *Error) {
	sub, ok := r.subs.Get(subHandle)
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown subscription %s", subHandle).WithDetail("unknown_subscription")
	}
	if sub.connHandle != connHandle {
		return nil, Errorf(CodeInvalidInput, "subscription %s does not belong to connection %s", subHandle, connHandle).WithDetail("subscription_mismatch")
	}
	return sub, nil
}

// WaitNotification blocks until one notification arrives or timeout
// elapses. A lapsed timeout is a successful outcome with a nil
// notification.
func (r *Registry) WaitNotification(ctx context.Context, connHandle, subHandle string, timeout time.Duration) (*Notification, error) {
	sub, lerr := r.findSubscription(connHandle, subHandle)
	if lerr != nil {
		return nil, lerr
	}
	n, ok, err := sub.WaitOne(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &n, nil
}

// PollNotifications returns up to max queued notifications without
// blocking, plus the subscription's total drop count.
func (r *Registry) PollNotifications(connHandle, subHandle string, max int) ([]Notification, int64, error) {
	sub, lerr := r.findSubscription(connHandle, subHandle)
	if lerr != nil {
		return nil, 0, lerr
	}
	out := sub.Poll(max)
	return out, sub.queue.Metrics().Overwritten, nil
}

// DrainNotifications collects a burst: full remaining deadline for the
// first item, then at most min(idle, remaining) per follow-up item, until
// idle lapses, maxItems are gathered, or the total deadline runs out.
func (r *Registry) DrainNotifications(ctx context.Context, connHandle, subHandle string, idle, total time.Duration, maxItems int) ([]Notification, int64, error) {
	sub, lerr := r.findSubscription(connHandle, subHandle)
	if lerr != nil {
		return nil, 0, lerr
	}
	out, err := sub.Drain(ctx, idle, total, maxItems)
	if err != nil {
		return nil, 0, err
	}
	return out, sub.queue.Metrics().Overwritten, nil
}

// ListSubscriptions runs the reaper, then summarizes subscriptions. With a
// connection handle it lists only that connection's subscriptions and
// reports NotFound for unknown handles; with an empty handle it lists all.
func (r *Registry) ListSubscriptions(connHandle string) ([]SubscriptionInfo, error) {
	var out []SubscriptionInfo
	var lerr *Error
	if err := r.submit(func() {
		r.reapLocked()
		if connHandle == "" {
			r.subs.Range(func(_ string, sub *subscription) bool {
				out = append(out, sub.info())
				return true
			})
			return
		}
		conn, ok := r.conns[connHandle]
		if !ok {
			lerr = Errorf(CodeNotFound, "unknown connection %s", connHandle)
			return
		}
		for _, sub := range conn.subs {
			out = append(out, sub.info())
		}
	}); err != nil {
		return nil, err
	}
	if lerr != nil {
		return nil, lerr
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

// ---- housekeeping ----

// ReapStale removes finished scans and disconnected connections past the
// quiet period, then trims whatever finished entries remain beyond the
// per-kind count caps, oldest-ended first. Live entries are never touched.
func (r *Registry) ReapStale() {
	_ = r.submit(func() { r.reapLocked() })
}

func (r *Registry) reapLocked() {
	now := r.now()

	var finishedScans []*scanSession
	for handle, sc := range r.scans {
		if sc.active {
			continue
		}
		if now.Sub(sc.stoppedAt) > r.limits.QuietPeriod {
			delete(r.scans, handle)
			continue
		}
		finishedScans = append(finishedScans, sc)
	}
	if r.limits.FinishedScanCap > 0 && len(finishedScans) > r.limits.FinishedScanCap {
		sort.Slice(finishedScans, func(i, j int) bool {
			return finishedScans[i].stoppedAt.Before(finishedScans[j].stoppedAt)
		})
		for _, sc := range finishedScans[:len(finishedScans)-r.limits.FinishedScanCap] {
			delete(r.scans, sc.handle)
		}
	}

	var deadConns []*connSession
	for handle, conn := range r.conns {
		if conn.connected {
			continue
		}
		if now.Sub(conn.disconnectedAt) > r.limits.QuietPeriod {
			delete(r.conns, handle)
			continue
		}
		deadConns = append(deadConns, conn)
	}
	if r.limits.DisconnectedConnectionCap > 0 && len(deadConns) > r.limits.DisconnectedConnectionCap {
		sort.Slice(deadConns, func(i, j int) bool {
			return deadConns[i].disconnectedAt.Before(deadConns[j].disconnectedAt)
		})
		for _, conn := range deadConns[:len(deadConns)-r.limits.DisconnectedConnectionCap] {
			delete(r.conns, conn.handle)
		}
	}
}
