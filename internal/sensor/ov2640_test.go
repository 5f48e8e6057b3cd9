package sensor

import (
	"bytes"
	"testing"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestOV2640_WriteTable_records_every_register(t *testing.T) {
	rec := &i2ctest.Record{}
	cam := NewOV2640(&i2c.Dev{Addr: SensorAddress, Bus: rec})

	if err := cam.WriteTable(qvgaRGB565); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	if len(rec.Ops) != len(qvgaRGB565) {
		t.Fatalf("ops = %d, want %d", len(rec.Ops), len(qvgaRGB565))
	}
	for i, op := range rec.Ops {
		if op.Addr != SensorAddress {
			t.Fatalf("op %d addressed %#x", i, op.Addr)
		}
		want := []byte{qvgaRGB565[i].Reg, qvgaRGB565[i].Val}
		if !bytes.Equal(op.W, want) {
			t.Fatalf("op %d wrote %x, want %x", i, op.W, want)
		}
	}
}

func TestOV2640_ChipID(t *testing.T) {
	cam := NewOV2640(NewSimSensor())
	id, err := cam.ChipID()
	if err != nil {
		t.Fatalf("ChipID: %v", err)
	}
	if id != 0x2642 {
		t.Errorf("ChipID = %#04x, want 0x2642", id)
	}
}

func TestQVGATable_size(t *testing.T) {
	if len(qvgaRGB565) != 193 {
		t.Errorf("table has %d entries, want 193", len(qvgaRGB565))
	}
}
