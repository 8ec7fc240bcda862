package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hydrosense/bottlelink/internal/ble"
	"github.com/hydrosense/bottlelink/internal/calibration"
)

func testOptions() Options {
	return Options{
		ScanTimeout:    100 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
		SleepGrace:     10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func connectedCoordinator(t *testing.T, adapter *mockAdapter, store calibration.Store, sink ConsumptionSink) *Coordinator {
	t.Helper()
	c := New(adapter, store, sink, testOptions())
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func storedCalibration() calibration.Calibration {
	return calibration.Calibration{
		EmptyBaselineMM: 140,
		FullBaselineMM:  20,
		BottleCapacity:  600,
		Complete:        true,
	}
}

func TestConnectTransitionsToConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	st := c.State()
	if st.Kind != StateConnected {
		t.Errorf("State() = %v, want connected", st)
	}
	if st.Peripheral == nil || st.Peripheral.ID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Peripheral = %+v, want the connected bottle", st.Peripheral)
	}
}

func TestConnectLoadsActiveSubjectCalibration(t *testing.T) {
	store := calibration.NewMemoryStore()
	store.Save("patient-3", storedCalibration())

	adapter := newMockAdapter(nil)
	c := New(adapter, store, nil, testOptions())
	defer c.Shutdown()

	if err := c.SetActiveSubject("patient-3"); err != nil {
		t.Fatalf("SetActiveSubject() error = %v", err)
	}
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := c.Calibration(); !got.Complete || got.EmptyBaselineMM != 140 {
		t.Errorf("Calibration() = %+v, want the stored one", got)
	}
}

func TestConcurrentConnectSingleAttempt(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectDelay = 30 * time.Millisecond
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect("AA:BB:CC:DD:EE:FF")
		}(i)
	}
	wg.Wait()

	if got := adapter.connectCount.Load(); got != 1 {
		t.Errorf("transport saw %d connect attempts, want exactly 1", got)
	}

	var ok, rejected int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if kind, has := ble.KindOf(err); has && kind == ble.KindConnectInFlight {
			rejected++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("got %d successes and %d in-flight rejections, want 1 and 1", ok, rejected)
	}
}

func TestConnectFailureFaults(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = &ble.Error{Kind: ble.KindConnectTimeout}
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err == nil {
		t.Fatal("Connect() should fail")
	}

	st := c.State()
	if st.Kind != StateFaulted || st.FaultKind != ble.KindConnectTimeout {
		t.Errorf("State() = %v, want faulted(connect timeout)", st)
	}
}

func TestFaultedClearsOnNextConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = &ble.Error{Kind: ble.KindConnectTimeout}
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	c.Connect("AA:BB:CC:DD:EE:FF")
	if c.State().Kind != StateFaulted {
		t.Fatal("expected faulted state")
	}

	// The next explicit connect clears the fault; no automatic retry happened
	// in between.
	adapter.connectErr = nil
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() after fault error = %v", err)
	}
	if c.State().Kind != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if got := adapter.connectCount.Load(); got != 2 {
		t.Errorf("transport saw %d attempts, want 2 (no auto-retry)", got)
	}
}

func TestCalibratedReadingDispatch(t *testing.T) {
	store := calibration.NewMemoryStore()
	store.Save("u", storedCalibration())
	log := NewConsumptionLog(0)

	adapter := newMockAdapter(nil)
	c := New(adapter, store, log, testOptions())
	defer c.Shutdown()
	c.SetActiveSubject("u")
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var mu sync.Mutex
	var events []ReadingEvent
	sub := c.SubscribeReadings(func(ev ReadingEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	adapter.latestConnection().telChar.SimulateNotification([]byte(`{"d": 80}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, "reading never reached the observer")

	mu.Lock()
	ev := events[0]
	mu.Unlock()
	if ev.Level.Source != LevelCalibrated {
		t.Errorf("Source = %v, want calibrated", ev.Level.Source)
	}
	if ev.Level.Pct != 50 {
		t.Errorf("Pct = %v, want exactly 50", ev.Level.Pct)
	}
	if ev.Level.VolumeML != 300 {
		t.Errorf("VolumeML = %v, want 300", ev.Level.VolumeML)
	}

	waitFor(t, func() bool { return len(log.Recent(0)) == 1 }, "consumption event never recorded")
	rec := log.Recent(0)[0]
	if rec.SubjectID != "u" || rec.VolumeML != 300 {
		t.Errorf("consumption event = %+v, want subject u / 300ml", rec)
	}
}

func TestValidityGateForcesZero(t *testing.T) {
	store := calibration.NewMemoryStore()
	store.Save("u", storedCalibration())

	adapter := newMockAdapter(nil)
	c := New(adapter, store, nil, testOptions())
	defer c.Shutdown()
	c.SetActiveSubject("u")
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var mu sync.Mutex
	var got *Level
	sub := c.SubscribeReadings(func(ev ReadingEvent) {
		mu.Lock()
		l := ev.Level
		got = &l
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	// 30mm is below the 40mm validity floor: no bottle present.
	adapter.latestConnection().telChar.SimulateNotification([]byte(`{"d": 30}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, "reading never reached the observer")

	mu.Lock()
	defer mu.Unlock()
	if got.Pct != 0 || got.Source != LevelNoBottle {
		t.Errorf("Level = %+v, want 0%% no-bottle regardless of calibration", got)
	}
}

func TestUncalibratedFallbackIsDeviceReported(t *testing.T) {
	adapter := newMockAdapter(nil)
	log := NewConsumptionLog(0)
	c := New(adapter, calibration.NewMemoryStore(), log, testOptions())
	defer c.Shutdown()
	c.SetActiveSubject("u")
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var mu sync.Mutex
	var got *Level
	sub := c.SubscribeReadings(func(ev ReadingEvent) {
		mu.Lock()
		l := ev.Level
		got = &l
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	adapter.latestConnection().telChar.SimulateNotification([]byte(`{"p": 70, "d": 100}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, "reading never reached the observer")

	mu.Lock()
	if got.Source != LevelDeviceReported || got.Pct != 70 {
		t.Errorf("Level = %+v, want device-reported 70%%", got)
	}
	mu.Unlock()

	// Low-confidence estimates never feed consumption accounting.
	time.Sleep(50 * time.Millisecond)
	if n := len(log.Recent(0)); n != 0 {
		t.Errorf("consumption log has %d events, want 0 for device-reported levels", n)
	}
}

func TestNoActiveSubjectSkipsAccounting(t *testing.T) {
	store := calibration.NewMemoryStore()
	log := NewConsumptionLog(0)

	adapter := newMockAdapter(nil)
	c := New(adapter, store, log, testOptions())
	defer c.Shutdown()
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// No subject is bound; readings still flow to generic observers.

	var mu sync.Mutex
	seen := 0
	sub := c.SubscribeReadings(func(ReadingEvent) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	adapter.latestConnection().telChar.SimulateNotification([]byte(`{"d": 80}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, "generic observer must still receive the reading")

	time.Sleep(50 * time.Millisecond)
	if n := len(log.Recent(0)); n != 0 {
		t.Errorf("consumption log has %d events, want 0 with no subject bound", n)
	}
}

func TestGarbagePayloadsAreInert(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	var mu sync.Mutex
	seen := 0
	sub := c.SubscribeReadings(func(ReadingEvent) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	conn := adapter.latestConnection()
	conn.telChar.SimulateNotification([]byte(`garbage`))
	conn.telChar.SimulateNotification([]byte(`{"foo": 1}`))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if seen != 0 {
		t.Errorf("observers saw %d events from garbage payloads, want 0", seen)
	}
	mu.Unlock()

	if st := c.State(); st.Kind != StateConnected {
		t.Errorf("State() = %v, garbage must not alter connection state", st)
	}
	if got := c.DroppedPayloads(); got != 2 {
		t.Errorf("DroppedPayloads() = %d, want 2", got)
	}
}

func TestDisconnectDuringCalibrationPreservesCalibration(t *testing.T) {
	store := calibration.NewMemoryStore()
	store.Save("u", storedCalibration())

	adapter := newMockAdapter(nil)
	c := New(adapter, store, nil, testOptions())
	defer c.Shutdown()
	c.SetActiveSubject("u")
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.BeginCalibration(calibration.StepEmpty); err != nil {
		t.Fatalf("BeginCalibration() error = %v", err)
	}
	conn := adapter.latestConnection()
	conn.telChar.SimulateNotification([]byte(`200`))
	conn.telChar.SimulateNotification([]byte(`201`))

	c.Disconnect()

	if c.CalibrationCollecting() {
		t.Error("ritual step still armed after disconnect")
	}
	got := c.Calibration()
	want := storedCalibration()
	if got.EmptyBaselineMM != want.EmptyBaselineMM || !got.Complete {
		t.Errorf("Calibration() = %+v, partial window must not overwrite baselines", got)
	}
}

func TestPeripheralDropReturnsToIdle(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	adapter.latestConnection().SimulateDrop()

	waitFor(t, func() bool { return c.State().Kind == StateIdle }, "state never settled to idle after drop")
}

func TestDisconnectSafeFromAnyState(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	// Idle: must not block or panic.
	c.Disconnect()
	if st := c.State(); st.Kind != StateIdle {
		t.Errorf("State() = %v, want idle", st)
	}

	// Connected: tears down and settles.
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Disconnect()
	waitFor(t, func() bool { return c.State().Kind == StateIdle }, "state never settled to idle")

	// Again while already disconnected.
	c.Disconnect()
}

func TestScanPublishesGrowingDeviceList(t *testing.T) {
	adapter := newMockAdapter([]ble.Peripheral{
		{ID: "11:11", Name: "SmartBottle-A", RSSI: -40},
		{ID: "22:22", Name: "SmartBottle-B", RSSI: -62},
	})
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	var mu sync.Mutex
	var snapshots [][]ble.Peripheral
	sub := c.SubscribeDevices(func(devices []ble.Peripheral) {
		mu.Lock()
		snapshots = append(snapshots, devices)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) == 2
	}, "device list snapshots never arrived")

	mu.Lock()
	if len(snapshots[0]) != 1 || len(snapshots[1]) != 2 {
		t.Errorf("snapshot sizes = %d, %d; want 1 then 2 (list grows)", len(snapshots[0]), len(snapshots[1]))
	}
	mu.Unlock()

	waitFor(t, func() bool { return c.State().Kind == StateIdle }, "scan never finished")
	if got := c.Devices(); len(got) != 2 {
		t.Errorf("Devices() has %d entries, want 2", len(got))
	}
}

func TestStartScanIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.scanHold = true
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if err := c.StartScan(); err != nil {
		t.Errorf("second StartScan() error = %v, want nil (join in-progress scan)", err)
	}
	if c.State().Kind != StateScanning {
		t.Errorf("State() = %v, want scanning", c.State())
	}

	c.StopScan()
	waitFor(t, func() bool { return c.State().Kind == StateIdle }, "scan never stopped")
}

func TestEnterSleepWritesEnvelopeAndDisconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	if err := c.EnterSleep(45); err != nil {
		t.Fatalf("EnterSleep() error = %v", err)
	}

	wire := string(adapter.latestConnection().ctlChar.lastWrite())
	if !strings.Contains(wire, `"action":"deep_sleep"`) || !strings.Contains(wire, `"duration_minutes":45`) {
		t.Errorf("control write = %s, want a deep_sleep envelope for 45 minutes", wire)
	}

	// After the grace period the state optimistically turns Disconnecting;
	// the bottle drops the link on its own schedule.
	waitFor(t, func() bool { return c.State().Kind == StateDisconnecting }, "state never became disconnecting")
}

func TestCommandsRequireConnection(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	err := c.EnterSleep(10)
	if kind, ok := ble.KindOf(err); !ok || kind != ble.KindNotConnected {
		t.Errorf("EnterSleep() error = %v, want not-connected", err)
	}
	err = c.SendRawCommand("status")
	if kind, ok := ble.KindOf(err); !ok || kind != ble.KindNotConnected {
		t.Errorf("SendRawCommand() error = %v, want not-connected", err)
	}
}

func TestWriteFailureFaults(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	adapter.latestConnection().ctlChar.writeErr = &ble.Error{Kind: ble.KindWriteFailed}

	if err := c.SendRawCommand("status"); err == nil {
		t.Fatal("SendRawCommand() should fail")
	}
	if st := c.State(); st.Kind != StateFaulted || st.FaultKind != ble.KindWriteFailed {
		t.Errorf("State() = %v, want faulted(write failed)", st)
	}
}

func TestWriteFaultTearsDownLink(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := connectedCoordinator(t, adapter, calibration.NewMemoryStore(), nil)
	defer c.Shutdown()

	first := adapter.latestConnection()
	first.ctlChar.writeErr = &ble.Error{Kind: ble.KindWriteFailed}

	if err := c.SendRawCommand("status"); err == nil {
		t.Fatal("SendRawCommand() should fail")
	}
	if !first.isDisconnected() {
		t.Error("faulted link was left connected")
	}

	// Reconnecting after the fault must produce a fresh link, not revive the
	// faulted one with its stale telemetry subscription.
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() after fault error = %v", err)
	}
	if got := adapter.connectCount.Load(); got != 2 {
		t.Errorf("transport saw %d connect attempts, want 2", got)
	}
	if adapter.latestConnection() == first {
		t.Error("reconnect reused the faulted link")
	}
}

func TestDisconnectDuringConnectWins(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectDelay = 30 * time.Millisecond
	c := New(adapter, calibration.NewMemoryStore(), nil, testOptions())
	defer c.Shutdown()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect("AA:BB:CC:DD:EE:FF") }()
	waitFor(t, func() bool { return c.State().Kind == StateConnecting }, "connect never started")

	c.Disconnect()

	if err := <-errCh; err != ErrConnectAborted {
		t.Fatalf("Connect() error = %v, want ErrConnectAborted", err)
	}
	if st := c.State(); st.Kind != StateIdle {
		t.Errorf("State() = %v, want idle (disconnect must not be overridden)", st)
	}
	conn := adapter.latestConnection()
	if conn == nil || !conn.isDisconnected() {
		t.Error("late-established link was not torn down")
	}
}

func TestSubjectSwitchReloadsCalibration(t *testing.T) {
	store := calibration.NewMemoryStore()
	store.Save("alice", calibration.Calibration{EmptyBaselineMM: 140, FullBaselineMM: 20, BottleCapacity: 600, Complete: true})
	store.Save("bob", calibration.Calibration{EmptyBaselineMM: 180, FullBaselineMM: 35, BottleCapacity: 1000, Complete: true})

	adapter := newMockAdapter(nil)
	c := New(adapter, store, nil, testOptions())
	defer c.Shutdown()

	c.SetActiveSubject("alice")
	if got := c.Calibration().EmptyBaselineMM; got != 140 {
		t.Errorf("after alice: EmptyBaselineMM = %v, want 140", got)
	}

	c.SetActiveSubject("bob")
	if got := c.Calibration().EmptyBaselineMM; got != 180 {
		t.Errorf("after bob: EmptyBaselineMM = %v, want 180", got)
	}
}

func TestCompleteCalibrationPersists(t *testing.T) {
	store := calibration.NewMemoryStore()
	adapter := newMockAdapter(nil)
	c := New(adapter, store, nil, testOptions())
	defer c.Shutdown()
	c.SetActiveSubject("u")
	if err := c.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn := adapter.latestConnection()
	feed := func(payloads ...string) {
		for _, p := range payloads {
			conn.telChar.SimulateNotification([]byte(p))
		}
	}

	if err := c.BeginCalibration(calibration.StepEmpty); err != nil {
		t.Fatalf("BeginCalibration(empty) error = %v", err)
	}
	feed("140", "141", "139", "138", "142", "137", "136", "143", "141", "139")
	waitFor(t, func() bool { return !c.CalibrationCollecting() }, "empty window never filled")

	if err := c.BeginCalibration(calibration.StepFull); err != nil {
		t.Fatalf("BeginCalibration(full) error = %v", err)
	}
	feed("30", "32", "29", "31", "28", "33", "27", "34", "30", "29")
	waitFor(t, func() bool { return !c.CalibrationCollecting() }, "full window never filled")

	if err := c.CompleteCalibration(600); err != nil {
		t.Fatalf("CompleteCalibration() error = %v", err)
	}

	saved, found, err := store.Load("u")
	if err != nil || !found {
		t.Fatalf("stored calibration missing: found=%v err=%v", found, err)
	}
	if saved.EmptyBaselineMM != 143 || saved.FullBaselineMM != 27 || !saved.Complete {
		t.Errorf("stored calibration = %+v, want empty 143 / full 27 / complete", saved)
	}

	// Firmware was told about each step and the completion.
	writes := conn.ctlChar.writeCount()
	if writes != 3 {
		t.Errorf("control characteristic saw %d writes, want 3 (start_empty, start_full, complete)", writes)
	}
}
