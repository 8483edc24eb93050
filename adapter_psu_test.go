package instrument

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// statefulSlave is a psbSlave variant that stores writes, so tests can watch
// the setup sequence and setpoints land in the register map.
type statefulSlave struct {
	mu    sync.Mutex
	regs  map[uint16]uint16
	coils map[uint16]bool
	// silent, when set, makes the device swallow all traffic.
	silent bool
}

func newStatefulSlave(regs map[uint16]uint16) *statefulSlave {
	if regs == nil {
		regs = make(map[uint16]uint16)
	}
	return &statefulSlave{regs: regs, coils: make(map[uint16]bool)}
}

func (s *statefulSlave) handler(slaveID uint8) func(req []byte) []byte {
	return func(req []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.silent || len(req) != rtuRequestLength || req[0] != slaveID {
			return nil
		}
		function := req[1]
		address := binary.BigEndian.Uint16(req[2:4])
		value := binary.BigEndian.Uint16(req[4:6])
		switch function {
		case FuncWriteSingleCoil:
			s.coils[address] = value == 0xFF00
		case FuncWriteSingleRegister:
			s.regs[address] = value
		case FuncReadHoldingRegisters:
			resp := []byte{slaveID, function, byte(2 * value)}
			for i := uint16(0); i < value; i++ {
				v, ok := s.regs[address+i]
				if !ok {
					return appendCRC([]byte{slaveID, function | exceptionBit, 0x02})
				}
				resp = binary.BigEndian.AppendUint16(resp, v)
			}
			return appendCRC(resp)
		default:
			return appendCRC([]byte{slaveID, function | exceptionBit, 0x01})
		}
		resp := make([]byte, 6)
		copy(resp, req[:6])
		return appendCRC(resp)
	}
}

func (s *statefulSlave) coil(address uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[address]
}

func (s *statefulSlave) register(address uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[address]
	return v, ok
}

func (s *statefulSlave) setSilent(on bool) {
	s.mu.Lock()
	s.silent = on
	s.mu.Unlock()
}

var testNominals = Nominals{Voltage: 80, Current: 60, Power: 1500}

func psuManager(t *testing.T, slave *statefulSlave, delay time.Duration) (*Manager, *PSUAdapter) {
	t.Helper()
	adapter, err := NewPSUAdapter(PSUConfig{
		Name:     "psb",
		SlaveID:  1,
		Nominals: testNominals,
		Timeout:  100 * time.Millisecond,
		// Keep the test fast; real settling values live in config.
		SettleWrite:  time.Millisecond,
		SettleOutput: time.Millisecond,
		SettleRead:   time.Millisecond,
	}, func() (BytePort, error) {
		return &scriptPort{handler: slave.handler(1), delay: delay}, nil
	})
	if err != nil {
		t.Fatalf("NewPSUAdapter failed: %v", err)
	}
	return fastManager(t, adapter), adapter
}

func TestPSUSetVoltageBlocking(t *testing.T) {
	slave := newStatefulSlave(nil)
	mgr, _ := psuManager(t, slave, 10*time.Millisecond)

	start := time.Now()
	res, err := mgr.SubmitBlocking(CmdSetVoltage, ScalarParams{Value: 24.0}, PriorityNormal, 5*time.Second)
	if err != nil {
		t.Fatalf("SetVoltage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("blocking SetVoltage took %v, expected well under the 5s submission timeout", elapsed)
	}

	wantCode := ToDeviceUnits(24.0, testNominals.Voltage)
	if got, ok := slave.register(psuRegSetVoltage); !ok || got != wantCode {
		t.Errorf("setpoint register = %d (present %v), want %d", got, ok, wantCode)
	}
	// The result reports the value as quantized by the device units.
	if diff := res.Value - 24.0; diff > 0.01 || diff < -0.01 {
		t.Errorf("reported setpoint %g, want ~24.0", res.Value)
	}
}

func TestPSUConnectAppliesSetupSequence(t *testing.T) {
	slave := newStatefulSlave(nil)
	slave.coils[psuRegOutput] = true // pretend output was left on
	mgr, _ := psuManager(t, slave, 0)

	waitFor(t, 2*time.Second, "connect", func() bool { return mgr.State() == StateConnected })
	if !slave.coil(psuRegRemote) {
		t.Error("remote control not enabled during connect")
	}
	if slave.coil(psuRegOutput) {
		t.Error("output not forced off during connect")
	}
}

func TestPSUSilentDeviceTimesOutAndDisconnects(t *testing.T) {
	slave := newStatefulSlave(nil)
	mgr, _ := psuManager(t, slave, 0)
	waitFor(t, 2*time.Second, "connect", func() bool { return mgr.State() == StateConnected })

	slave.setSilent(true)
	start := time.Now()
	_, err := mgr.SubmitBlocking(CmdSetVoltage, ScalarParams{Value: 10}, PriorityNormal, 5*time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("silent device returned %v, want ErrTimeout", err)
	}
	// The adapter's own exchange deadline fired, not the submission timeout.
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("timeout after %v, want the 100ms exchange deadline", elapsed)
	}
	waitFor(t, time.Second, "disconnect after timeout", func() bool {
		return mgr.State() != StateConnected
	})

	// Device comes back with fresh coil state: the worker reconnects, reruns
	// setup, and the queue keeps serving.
	slave.mu.Lock()
	slave.coils = make(map[uint16]bool)
	slave.mu.Unlock()
	slave.setSilent(false)
	res, err := mgr.SubmitBlocking(CmdGetStatus, nil, PriorityNormal, 5*time.Second)
	if err == nil {
		t.Fatalf("status read should fail on empty register map, got %+v", res)
	}
	if !slave.coil(psuRegRemote) {
		t.Error("setup sequence not reapplied after reconnect")
	}
}

func TestPSUGetStatus(t *testing.T) {
	slave := newStatefulSlave(map[uint16]uint16{
		psuRegStatus:     psuStatusRemote | psuStatusOutput,
		psuRegActual:     ToDeviceUnits(24.0, testNominals.Voltage),
		psuRegActual + 1: ToDeviceUnits(2.5, testNominals.Current),
		psuRegActual + 2: ToDeviceUnits(60.0, testNominals.Power),
	})
	mgr, _ := psuManager(t, slave, 0)

	res, err := mgr.SubmitBlocking(CmdGetStatus, nil, PriorityLow, 5*time.Second)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	st := res.Status
	if !st.RemoteOn || !st.OutputOn {
		t.Errorf("status flags %+v, want remote and output on", st)
	}
	approx := func(got, want float64) bool { d := got - want; return d < 0.01 && d > -0.01 }
	if !approx(st.Voltage, 24.0) || !approx(st.Current, 2.5) || !approx(st.Power, 60.0) {
		t.Errorf("status readings %+v, want ~24V ~2.5A ~60W", st)
	}
}

func TestPSUExceptionIsNotLinkLoss(t *testing.T) {
	slave := newStatefulSlave(nil) // empty map: reads answer exception 0x02
	mgr, _ := psuManager(t, slave, 0)

	_, err := mgr.SubmitBlocking(CmdGetStatus, nil, PriorityNormal, 5*time.Second)
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if exc.Code != 0x02 {
		t.Errorf("exception code 0x%02X, want 0x02", exc.Code)
	}
	if errors.Is(err, ErrCRC) || errors.Is(err, ErrTimeout) {
		t.Error("device exception misclassified as CRC or timeout failure")
	}
	if mgr.State() != StateConnected {
		t.Error("device exception tore the connection down")
	}
}

func TestPSUValidateRejectsOutOfRange(t *testing.T) {
	adapter, err := NewPSUAdapter(PSUConfig{
		SlaveID:  1,
		Nominals: testNominals,
	}, func() (BytePort, error) { return &scriptPort{}, nil })
	if err != nil {
		t.Fatalf("NewPSUAdapter failed: %v", err)
	}

	var ve *ValidationError
	if err := adapter.Validate(CmdSetVoltage, ScalarParams{Value: 81.7}); !errors.As(err, &ve) {
		t.Errorf("voltage above 102%% of nominal got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdSetVoltage, ScalarParams{Value: 81.5}); err != nil {
		t.Errorf("voltage within 102%% of nominal rejected: %v", err)
	}
	if err := adapter.Validate(CmdSetCurrent, ScalarParams{Value: -1}); !errors.As(err, &ve) {
		t.Errorf("negative current got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdSetPin, PinParams{Pin: 5}); !errors.As(err, &ve) {
		t.Errorf("pin command on a power supply got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdRaw, RawParams{Payload: []byte{1, 2, 3}}); !errors.As(err, &ve) {
		t.Errorf("short raw payload got %v, want ValidationError", err)
	}
}

func TestPSURawWrite(t *testing.T) {
	slave := newStatefulSlave(nil)
	mgr, _ := psuManager(t, slave, 0)

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], 510)
	binary.BigEndian.PutUint16(payload[2:4], 0xBEEF)
	if _, err := mgr.SubmitBlocking(CmdRaw, RawParams{Payload: payload}, PriorityNormal, 5*time.Second); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}
	if got, ok := slave.register(510); !ok || got != 0xBEEF {
		t.Errorf("raw write landed %04X (present %v), want BEEF", got, ok)
	}
}
