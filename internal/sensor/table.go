package sensor

// RegisterValue is one entry of a sensor configuration table.
type RegisterValue struct {
	Reg uint8
	Val uint8
}

// qvgaRGB565 configures the OV2640 for 320x240 RGB565 output.
var qvgaRGB565 = []RegisterValue{
	{0xFF, 0x00}, {0x2C, 0xFF}, {0x2E, 0xDF}, {0xFF, 0x01},
	{0x3C, 0x32}, {0x11, 0x00}, {0x09, 0x02}, {0x04, 0xA8},
	{0x13, 0xE5}, {0x14, 0x48}, {0x2C, 0x0C}, {0x33, 0x78},
	{0x3A, 0x33}, {0x3B, 0xFB}, {0x3E, 0x00}, {0x43, 0x11},
	{0x16, 0x10}, {0x39, 0x02}, {0x35, 0x88}, {0x22, 0x0A},
	{0x37, 0x40}, {0x23, 0x00}, {0x34, 0xA0}, {0x06, 0x02},
	{0x06, 0x88}, {0x07, 0xC0}, {0x0D, 0xB7}, {0x0E, 0x01},
	{0x4C, 0x00}, {0x4A, 0x81}, {0x21, 0x99}, {0x24, 0x40},
	{0x25, 0x38}, {0x26, 0x82}, {0x5C, 0x00}, {0x63, 0x00},
	{0x46, 0x22}, {0x0C, 0x3A}, {0x5D, 0x55}, {0x5E, 0x7D},
	{0x5F, 0x7D}, {0x60, 0x55}, {0x61, 0x70}, {0x62, 0x80},
	{0x7C, 0x05}, {0x20, 0x80}, {0x28, 0x30}, {0x6C, 0x00},
	{0x6D, 0x80}, {0x6E, 0x00}, {0x70, 0x02}, {0x71, 0x94},
	{0x73, 0xC1}, {0x3D, 0x34}, {0x12, 0x04}, {0x5A, 0x57},
	{0x4F, 0xBB}, {0x50, 0x9C}, {0xFF, 0x00}, {0xE5, 0x7F},
	{0xF9, 0xC0}, {0x41, 0x24}, {0xE0, 0x14}, {0x76, 0xFF},
	{0x33, 0xA0}, {0x42, 0x20}, {0x43, 0x18}, {0x4C, 0x00},
	{0x87, 0xD0}, {0x88, 0x3F}, {0xD7, 0x03}, {0xD9, 0x10},
	{0xD3, 0x82}, {0xC8, 0x08}, {0xC9, 0x80}, {0x7C, 0x00},
	{0x7D, 0x00}, {0x7C, 0x03}, {0x7D, 0x48}, {0x7D, 0x48},
	{0x7C, 0x08}, {0x7D, 0x20}, {0x7D, 0x10}, {0x7D, 0x0E},
	{0x90, 0x00}, {0x91, 0x0E}, {0x91, 0x1A}, {0x91, 0x31},
	{0x91, 0x5A}, {0x91, 0x69}, {0x91, 0x75}, {0x91, 0x7E},
	{0x91, 0x88}, {0x91, 0x8F}, {0x91, 0x96}, {0x91, 0xA3},
	{0x91, 0xAF}, {0x91, 0xC4}, {0x91, 0xD7}, {0x91, 0xE8},
	{0x91, 0x20}, {0x92, 0x00}, {0x93, 0x06}, {0x93, 0xE3},
	{0x93, 0x03}, {0x93, 0x03}, {0x93, 0x00}, {0x93, 0x02},
	{0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00},
	{0x93, 0x00}, {0x93, 0x00}, {0x93, 0x00}, {0x96, 0x00},
	{0x97, 0x08}, {0x97, 0x19}, {0x97, 0x02}, {0x97, 0x0C},
	{0x97, 0x24}, {0x97, 0x30}, {0x97, 0x28}, {0x97, 0x26},
	{0x97, 0x02}, {0x97, 0x98}, {0x97, 0x80}, {0x97, 0x00},
	{0x97, 0x00}, {0xA4, 0x00}, {0xA8, 0x00}, {0xC5, 0x11},
	{0xC6, 0x51}, {0xBF, 0x80}, {0xC7, 0x10}, {0xB6, 0x66},
	{0xB8, 0xA5}, {0xB7, 0x64}, {0xB9, 0x7C}, {0xB3, 0xAF},
	{0xB4, 0x97}, {0xB5, 0xFF}, {0xB0, 0xC5}, {0xB1, 0x94},
	{0xB2, 0x0F}, {0xC4, 0x5C}, {0xA6, 0x00}, {0xA7, 0x20},
	{0xA7, 0xD8}, {0xA7, 0x1B}, {0xA7, 0x31}, {0xA7, 0x00},
	{0xA7, 0x18}, {0xA7, 0x20}, {0xA7, 0xD8}, {0xA7, 0x19},
	{0xA7, 0x31}, {0xA7, 0x00}, {0xA7, 0x18}, {0xA7, 0x20},
	{0xA7, 0xD8}, {0xA7, 0x19}, {0xA7, 0x31}, {0xA7, 0x00},
	{0xA7, 0x18}, {0x7F, 0x00}, {0xE5, 0x1F}, {0xE1, 0x77},
	{0xDD, 0x7F}, {0xC2, 0x0E}, {0xFF, 0x00}, {0xE0, 0x04},
	{0xC0, 0xC8}, {0xC1, 0x96}, {0x86, 0x3D}, {0x51, 0x90},
	{0x52, 0x2C}, {0x53, 0x00}, {0x54, 0x00}, {0x55, 0x88},
	{0x57, 0x00}, {0x50, 0x92}, {0x5A, 0x50}, {0x5B, 0x3C},
	{0x5C, 0x00}, {0xD3, 0x04}, {0xE0, 0x00}, {0xFF, 0x00},
	{0x05, 0x00}, {0xDA, 0x08}, {0xD7, 0x03}, {0xE0, 0x00},
	{0x05, 0x00},
}
