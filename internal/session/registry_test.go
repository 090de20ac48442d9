package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemcp/internal/hardware/hardwaretest"
)

const (
	testAddr  = "AA:BB:CC:DD:EE:FF"
	testAddr2 = "11:22:33:44:55:66"
)

type recordingHooks struct {
	mu          sync.Mutex
	disconnects []string
	ready       []string
}

func (h *recordingHooks) DeviceDisconnected(address, connectionHandle string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, address+"|"+connectionHandle)
}

func (h *recordingHooks) NotificationReady(subscriptionHandle, connectionHandle, charUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, subscriptionHandle+"|"+connectionHandle+"|"+charUUID)
}

func (h *recordingHooks) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnects)
}

func (h *recordingHooks) readyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ready)
}

func heartRateMonitor(address string) *hardwaretest.Peripheral {
	return hardwaretest.NewPeripheral(address).
		WithName("Polar H10").
		WithMTU(185).
		WithLoopback().
		WithService("180d").
		WithCharacteristic("2a37", "read", "notify").
		WithValue([]byte{0x06, 0x48}).
		WithCharacteristic("2a38", "read", "indicate").
		WithValue([]byte{0x01}).
		WithCharacteristic("2a39", "read", "write").
		WithDescriptor(0x2902, "2902", []byte{0x00, 0x00}).
		Build()
}

func newTestRegistry(t *testing.T, tr *hardwaretest.Transport, limits Limits, policy WritePolicy, hooks Hooks) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := NewRegistry(logger, tr, limits, policy, hooks)
	t.Cleanup(r.Shutdown)
	return r
}

func connect(t *testing.T, r *Registry, address string) ConnectionInfo {
	t.Helper()
	info, err := r.Connect(context.Background(), ConnectOptions{Address: address, Timeout: time.Second})
	require.NoError(t, err)
	return info
}

func TestRegistry_UnknownHandlesYieldNotFound(t *testing.T) {
	tr := hardwaretest.NewTransport()
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	_, err := r.ConnectionStatus("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Disconnect("never-issued"), ErrNotFound)
	assert.ErrorIs(t, r.StopScan("never-issued"), ErrNotFound)
	_, _, err = r.ScanResults("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Read(context.Background(), "never-issued", "2a37")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.MTU("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Subscribe(context.Background(), "never-issued", "2a37")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Unsubscribe("never-issued", "also-never"), ErrNotFound)
	_, err = r.WaitNotification(context.Background(), "never-issued", "also-never", time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.ListSubscriptions("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConnectDiscoverStatus(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	info := connect(t, r, testAddr)
	assert.NotEmpty(t, info.Handle)
	assert.Equal(t, testAddr, info.Address)
	assert.True(t, info.Connected)
	assert.Equal(t, 185, info.MTU)

	services, err := r.Discover(context.Background(), info.Handle)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Len(t, services[0].Characteristics, 3)

	// Second discover serves the cached snapshot.
	again, err := r.Discover(context.Background(), info.Handle)
	require.NoError(t, err)
	assert.Equal(t, services, again)

	status, err := r.ConnectionStatus(info.Handle)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Zero(t, status.Subscriptions)

	mtu, err := r.MTU(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, 185, mtu)
}

func TestRegistry_ConnectUsesScanIdentity(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	scan, err := r.StartScan(ScanOptions{Duration: time.Hour})
	require.NoError(t, err)
	tr.Advertise(hardwaretest.Adv(testAddr, "Polar H10", -42, "180d"))

	require.Eventually(t, func() bool {
		_, devices, rerr := r.ScanResults(scan)
		return rerr == nil && len(devices) == 1
	}, time.Second, 5*time.Millisecond)

	info := connect(t, r, testAddr)
	assert.Equal(t, "Polar H10", info.Name)
	assert.Equal(t, []string{"0000180d-0000-1000-8000-00805f9b34fb"}, info.AdvertisedServices)
}

func TestRegistry_DisconnectIsTerminal(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	info := connect(t, r, testAddr)
	require.NoError(t, r.Disconnect(info.Handle))
	assert.False(t, tr.Client(testAddr).IsConnected())

	// The handle is gone, not merely flagged.
	assert.ErrorIs(t, r.Disconnect(info.Handle), ErrNotFound)
	_, err := r.ConnectionStatus(info.Handle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConnectionCeiling(t *testing.T) {
	tr := hardwaretest.NewTransport().
		AddPeripheral(heartRateMonitor(testAddr)).
		AddPeripheral(heartRateMonitor(testAddr2))
	limits := DefaultLimits()
	limits.MaxConnections = 1
	r := newTestRegistry(t, tr, limits, WritePolicy{}, nil)

	first := connect(t, r, testAddr)

	_, err := r.Connect(context.Background(), ConnectOptions{Address: testAddr2, Timeout: time.Second})
	assert.ErrorIs(t, err, ErrLimitExceeded)
	// Refused before touching hardware: the second device was never dialed.
	assert.Nil(t, tr.Client(testAddr2))

	conns := r.ListConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, first.Handle, conns[0].Handle)
	assert.True(t, conns[0].Connected)

	// Freeing the slot lets the second connect through.
	require.NoError(t, r.Disconnect(first.Handle))
	connect(t, r, testAddr2)
}

func TestRegistry_ConnectRetriesTransientDialFailure(t *testing.T) {
	restore := gattRetryDelay
	gattRetryDelay = time.Millisecond
	defer func() { gattRetryDelay = restore }()

	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	tr.QueueDialError(testAddr, errors.New("le connection timeout"))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	info := connect(t, r, testAddr)
	assert.True(t, info.Connected)
}

func TestRegistry_ConnectTimesOutOnSlowDial(t *testing.T) {
	slow := heartRateMonitor(testAddr)
	slow.DialDelay = time.Second
	tr := hardwaretest.NewTransport().AddPeripheral(slow)
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Connect(ctx, ConnectOptions{Address: testAddr, Timeout: time.Second})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistry_ReadWriteLoopbackRoundTrip(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{AllowWrites: true}, nil)
	info := connect(t, r, testAddr)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, r.Write(context.Background(), info.Handle, "2a39", payload, true))

	got, err := r.Read(context.Background(), info.Handle, "2a39")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	writes := tr.Client(testAddr).Writes()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].WithResponse)
}

func TestRegistry_WritePolicyGates(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))

	t.Run("writes disabled", func(t *testing.T) {
		r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
		info := connect(t, r, testAddr)
		err := r.Write(context.Background(), info.Handle, "2a39", []byte{0x01}, true)
		assert.ErrorIs(t, err, ErrWritesDisabled)
		assert.ErrorIs(t, r.WriteDescriptor(context.Background(), info.Handle, 0x2902, []byte{0x01, 0x00}), ErrWritesDisabled)
	})

	t.Run("allowlist", func(t *testing.T) {
		policy := WritePolicy{AllowWrites: true, Allowlist: []string{"2a40"}}
		r := newTestRegistry(t, tr, DefaultLimits(), policy, nil)
		info := connect(t, r, testAddr)
		err := r.Write(context.Background(), info.Handle, "2a39", []byte{0x01}, true)
		assert.ErrorIs(t, err, ErrNotAllowlisted)
	})

	t.Run("not writable", func(t *testing.T) {
		r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{AllowWrites: true}, nil)
		info := connect(t, r, testAddr)
		err := r.Write(context.Background(), info.Handle, "2a37", []byte{0x01}, true)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("payload exceeds mtu budget", func(t *testing.T) {
		r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{AllowWrites: true}, nil)
		info := connect(t, r, testAddr)
		err := r.Write(context.Background(), info.Handle, "2a39", make([]byte, 185-2), true)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRegistry_ReadRetriesTransientFaults(t *testing.T) {
	restore := gattRetryDelay
	gattRetryDelay = time.Millisecond
	defer func() { gattRetryDelay = restore }()

	p := hardwaretest.NewPeripheral(testAddr).
		WithService("180d").
		WithCharacteristic("2a37", "read", "notify").
		WithValue([]byte{0x42}).
		WithReadErrors(errors.New("att timeout"), errors.New("att timeout")).
		Build()
	tr := hardwaretest.NewTransport().AddPeripheral(p)
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	// Fails twice with a transient message, then succeeds: invisible to the
	// caller.
	got, err := r.Read(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, got)
}

func TestRegistry_DescriptorRoundTrip(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{AllowWrites: true}, nil)
	info := connect(t, r, testAddr)

	got, err := r.ReadDescriptor(context.Background(), info.Handle, 0x2902)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, got)

	require.NoError(t, r.WriteDescriptor(context.Background(), info.Handle, 0x2902, []byte{0x01, 0x00}))

	got, err = r.ReadDescriptor(context.Background(), info.Handle, 0x2902)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, got)

	_, err = r.ReadDescriptor(context.Background(), info.Handle, 0x9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SubscriptionTablesStayInLockstep(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	sub, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	assert.Equal(t, "notify", sub.Mode)
	assert.True(t, tr.Client(testAddr).NotifyActive("2a37"))

	all, err := r.ListSubscriptions("")
	require.NoError(t, err)
	perConn, err := r.ListSubscriptions(info.Handle)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, perConn, 1)
	assert.Equal(t, all[0].Handle, perConn[0].Handle)

	require.NoError(t, r.Unsubscribe(info.Handle, sub.Handle))
	assert.False(t, tr.Client(testAddr).NotifyActive("2a37"))

	all, err = r.ListSubscriptions("")
	require.NoError(t, err)
	perConn, err = r.ListSubscriptions(info.Handle)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, perConn)

	// The handle is never reused.
	assert.ErrorIs(t, r.Unsubscribe(info.Handle, sub.Handle), ErrNotFound)
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	_, err := r.Subscribe(context.Background(), info.Handle, "2a99")
	assert.ErrorIs(t, err, ErrNotFound)

	// Write-only characteristic cannot stream.
	_, err = r.Subscribe(context.Background(), info.Handle, "2a39")
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Indication fallback when notify is absent.
	sub, err := r.Subscribe(context.Background(), info.Handle, "2a38")
	require.NoError(t, err)
	assert.Equal(t, "indicate", sub.Mode)
}

func TestRegistry_DuplicateSubscribeReturnsExisting(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	first, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	second, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	assert.Equal(t, first.Handle, second.Handle)

	all, err := r.ListSubscriptions(info.Handle)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegistry_SubscriptionCeiling(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	limits := DefaultLimits()
	limits.MaxSubscriptionsPerConnection = 1
	r := newTestRegistry(t, tr, limits, WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	_, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	_, err = r.Subscribe(context.Background(), info.Handle, "2a38")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRegistry_SubscriptionMismatch(t *testing.T) {
	tr := hardwaretest.NewTransport().
		AddPeripheral(heartRateMonitor(testAddr)).
		AddPeripheral(heartRateMonitor(testAddr2))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	connA := connect(t, r, testAddr)
	connB := connect(t, r, testAddr2)

	sub, err := r.Subscribe(context.Background(), connA.Handle, "2a37")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Unsubscribe(connB.Handle, sub.Handle), ErrInvalidInput)
	_, err = r.WaitNotification(context.Background(), connB.Handle, sub.Handle, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Still live under its real parent.
	require.NoError(t, r.Unsubscribe(connA.Handle, sub.Handle))
}

func TestRegistry_NotificationFlow(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	hooks := &recordingHooks{}
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, hooks)
	info := connect(t, r, testAddr)

	sub, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	client := tr.Client(testAddr)

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.InjectNotification("2a37", []byte{0x06, 0x50})
	}()
	n, err := r.WaitNotification(context.Background(), info.Handle, sub.Handle, time.Second)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, []byte{0x06, 0x50}, n.Value)

	// Timed-out wait is a successful empty outcome.
	n, err = r.WaitNotification(context.Background(), info.Handle, sub.Handle, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, n)

	for i := 0; i < 5; i++ {
		client.InjectNotification("2a37", []byte{byte(i)})
	}
	notifs, dropped, err := r.PollNotifications(info.Handle, sub.Handle, 100)
	require.NoError(t, err)
	assert.Len(t, notifs, 5)
	assert.Zero(t, dropped)

	require.Eventually(t, func() bool { return hooks.readyCount() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_DrainNotificationsBurst(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)
	info := connect(t, r, testAddr)

	sub, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	client := tr.Client(testAddr)
	for i := 0; i < 5; i++ {
		client.InjectNotification("2a37", []byte{byte(i)})
	}

	start := time.Now()
	notifs, dropped, err := r.DrainNotifications(context.Background(), info.Handle, sub.Handle, 100*time.Millisecond, time.Second, 200)
	require.NoError(t, err)
	assert.Len(t, notifs, 5)
	assert.Zero(t, dropped)
	assert.Less(t, time.Since(start), 800*time.Millisecond)
}

func TestRegistry_UnexpectedDisconnect(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	hooks := &recordingHooks{}
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, hooks)
	info := connect(t, r, testAddr)

	_, err := r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	_, err = r.Subscribe(context.Background(), info.Handle, "2a38")
	require.NoError(t, err)

	tr.Client(testAddr).TriggerDisconnect()

	require.Eventually(t, func() bool {
		status, serr := r.ConnectionStatus(info.Handle)
		return serr == nil && !status.Connected
	}, time.Second, 5*time.Millisecond)

	// Disconnected implies zero subscriptions, in both tables.
	perConn, err := r.ListSubscriptions(info.Handle)
	require.NoError(t, err)
	assert.Empty(t, perConn)
	all, err := r.ListSubscriptions("")
	require.NoError(t, err)
	assert.Empty(t, all)

	status, err := r.ConnectionStatus(info.Handle)
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.False(t, status.DisconnectedAt.IsZero())
	assert.Zero(t, status.Subscriptions)

	// The collaborator fired exactly once, with the right identity.
	require.Eventually(t, func() bool { return hooks.disconnectCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hooks.disconnectCount())
	hooks.mu.Lock()
	assert.Equal(t, testAddr+"|"+info.Handle, hooks.disconnects[0])
	hooks.mu.Unlock()

	// GATT operations on the dead handle report Disconnected.
	_, err = r.Read(context.Background(), info.Handle, "2a37")
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = r.Subscribe(context.Background(), info.Handle, "2a37")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestRegistry_ScanLifecycle(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	scan, err := r.StartScan(ScanOptions{Duration: time.Hour})
	require.NoError(t, err)

	tr.Advertise(hardwaretest.Adv(testAddr, "Polar H10", -42, "180d"))
	tr.Advertise(hardwaretest.Adv(testAddr2, "Thermo", -70))

	require.Eventually(t, func() bool {
		_, devices, rerr := r.ScanResults(scan)
		return rerr == nil && len(devices) == 2
	}, time.Second, 5*time.Millisecond)

	info, devices, err := r.ScanResults(scan)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, testAddr, devices[0].Address)
	assert.Equal(t, testAddr2, devices[1].Address)

	require.NoError(t, r.StopScan(scan))
	_, stopped, err := r.ScanResults(scan)
	require.NoError(t, err)

	// Second stop is a no-op returning the same frozen table.
	require.NoError(t, r.StopScan(scan))
	tr.Advertise(hardwaretest.Adv("99:99:99:99:99:99", "late", -30))
	info, again, err := r.ScanResults(scan)
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Equal(t, stopped, again)
}

func TestRegistry_ScanServiceFilterAppliedByHardware(t *testing.T) {
	tr := hardwaretest.NewTransport()
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	scan, err := r.StartScan(ScanOptions{Duration: time.Hour, ServiceUUIDs: []string{"180d"}})
	require.NoError(t, err)

	tr.Advertise(hardwaretest.Adv(testAddr, "HRM", -40, "180d"))
	tr.Advertise(hardwaretest.Adv(testAddr2, "Other", -30, "181a"))

	require.Eventually(t, func() bool {
		_, devices, rerr := r.ScanResults(scan)
		return rerr == nil && len(devices) == 1
	}, time.Second, 5*time.Millisecond)
	_, devices, err := r.ScanResults(scan)
	require.NoError(t, err)
	assert.Equal(t, testAddr, devices[0].Address)
}

func TestRegistry_ScanCeiling(t *testing.T) {
	tr := hardwaretest.NewTransport()
	limits := DefaultLimits()
	limits.MaxScans = 1
	r := newTestRegistry(t, tr, limits, WritePolicy{}, nil)

	first, err := r.StartScan(ScanOptions{Duration: time.Hour})
	require.NoError(t, err)

	_, err = r.StartScan(ScanOptions{Duration: time.Hour})
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// A stopped scan frees its slot.
	require.NoError(t, r.StopScan(first))
	_, err = r.StartScan(ScanOptions{Duration: time.Hour})
	assert.NoError(t, err)
}

func TestRegistry_ScanAutoStop(t *testing.T) {
	tr := hardwaretest.NewTransport()
	r := newTestRegistry(t, tr, DefaultLimits(), WritePolicy{}, nil)

	scan, err := r.StartScan(ScanOptions{Duration: 30 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, _, rerr := r.ScanResults(scan)
		return rerr == nil && !info.Active
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_ReapStale(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	limits := DefaultLimits()
	limits.FinishedScanCap = 2
	r := newTestRegistry(t, tr, limits, WritePolicy{}, nil)

	var mu sync.Mutex
	current := time.Now()
	require.Nil(t, r.submit(func() {
		r.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		}
	}))
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}

	// Four finished scans with a cap of two: the oldest-ended go first.
	var handles []string
	for i := 0; i < 4; i++ {
		h, err := r.StartScan(ScanOptions{Duration: time.Hour})
		require.NoError(t, err)
		require.NoError(t, r.StopScan(h))
		handles = append(handles, h)
		advance(time.Second)
	}
	scans := r.ListScans()
	require.Len(t, scans, 2)
	assert.Equal(t, handles[2], scans[0].Handle)
	assert.Equal(t, handles[3], scans[1].Handle)

	// An active scan is never reaped, regardless of age.
	active, err := r.StartScan(ScanOptions{Duration: time.Hour})
	require.NoError(t, err)
	advance(limits.QuietPeriod + time.Minute)
	scans = r.ListScans()
	require.Len(t, scans, 1)
	assert.Equal(t, active, scans[0].Handle)

	// Disconnected connections age out the same way.
	info := connect(t, r, testAddr)
	tr.Client(testAddr).TriggerDisconnect()
	require.Eventually(t, func() bool {
		status, serr := r.ConnectionStatus(info.Handle)
		return serr == nil && !status.Connected
	}, time.Second, 5*time.Millisecond)
	require.Len(t, r.ListConnections(), 1)

	advance(limits.QuietPeriod + time.Minute)
	assert.Empty(t, r.ListConnections())
	_, err = r.ConnectionStatus(info.Handle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ShutdownTearsEverythingDown(t *testing.T) {
	tr := hardwaretest.NewTransport().AddPeripheral(heartRateMonitor(testAddr))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := NewRegistry(logger, tr, DefaultLimits(), WritePolicy{}, nil)

	info, err := r.Connect(context.Background(), ConnectOptions{Address: testAddr, Timeout: time.Second})
	require.NoError(t, err)
	_, err = r.Subscribe(context.Background(), info.Handle, "2a37")
	require.NoError(t, err)
	_, err = r.StartScan(ScanOptions{Duration: time.Hour})
	require.NoError(t, err)

	r.Shutdown()
	assert.False(t, tr.Client(testAddr).IsConnected())

	_, err = r.ConnectionStatus(info.Handle)
	assert.ErrorIs(t, err, &Error{Code: CodeInternal})
}
