package instrument

import "testing"

func TestCRC16KnownFrame(t *testing.T) {
	// Canonical read-holding-registers request: slave 1, address 0, quantity 1.
	// The full wire frame is 01 03 00 00 00 01 84 0A, CRC low byte first.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	crc := CRC16(frame)
	if crc != 0x0A84 {
		t.Errorf("CRC16 = 0x%04X, want 0x0A84", crc)
	}
}

func TestCRC16Deterministic(t *testing.T) {
	frame := []byte{0x01, 0x06, 0x01, 0xF4, 0xCC, 0xCC}
	if CRC16(frame) != CRC16(frame) {
		t.Error("CRC16 not deterministic")
	}
}

func TestCRC16DetectsBitFlips(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0xAB, 0xCD}
	want := CRC16(frame)
	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(frame))
			copy(flipped, frame)
			flipped[i] ^= 1 << bit
			if CRC16(flipped) == want {
				t.Errorf("single-bit flip at byte %d bit %d left CRC unchanged", i, bit)
			}
		}
	}
}

func TestCRC16EmptyInput(t *testing.T) {
	if CRC16(nil) != 0xFFFF {
		t.Errorf("CRC16(nil) = 0x%04X, want initial value 0xFFFF", CRC16(nil))
	}
}
