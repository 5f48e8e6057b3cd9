package sensor

// Capture controller (ArduChip) registers, addressed over SPI.
const (
	RegTest1     uint8 = 0x00
	RegFIFOCtrl  uint8 = 0x04
	RegReset     uint8 = 0x07
	RegTrig      uint8 = 0x41
	RegFIFOSize1 uint8 = 0x42
	RegFIFOSize2 uint8 = 0x43
	RegFIFOSize3 uint8 = 0x44

	CmdBurstFIFORead uint8 = 0x3C

	// WriteFlag is ORed into the register address for writes.
	WriteFlag uint8 = 0x80
)

// Register bits.
const (
	FIFOClearDone    uint8 = 0x01
	FIFOStartCapture uint8 = 0x02
	TrigCaptureDone  uint8 = 0x08
	ResetAssert      uint8 = 0x80

	fifoLengthMask = 0x7FFFFF
	selfTestValue  = 0x55
)

// OV2640 sensor registers, addressed over I2C.
const (
	SensorAddress uint16 = 0x30

	RegBankSelect uint8 = 0xFF
	RegCOM7       uint8 = 0x12
	RegPIDHigh    uint8 = 0x0A
	RegPIDLow     uint8 = 0x0B

	BankSensor    uint8 = 0x01
	COM7SoftReset uint8 = 0x80
	OV2640PID     uint8 = 0x26
)
