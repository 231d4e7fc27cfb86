package eip

import "fmt"

var vendorNames = map[uint16]string{
	1:  "Rockwell Automation",
	2:  "Schneider Electric",
	5:  "Omron",
	26: "Turck",
	40: "Molex",
	50: "SICK",
	88: "Cognex",
}

var deviceTypeNames = map[uint16]string{
	0x00: "Generic Device",
	0x02: "AC Drive",
	0x03: "Motor Overload",
	0x04: "Limit Switch",
	0x05: "Inductive Proximity Switch",
	0x06: "Photoelectric Sensor",
	0x07: "General Purpose Discrete I/O",
	0x0C: "Communications Adapter",
	0x0E: "Programmable Logic Controller",
	0x10: "Position Controller",
	0x13: "DC Drive",
	0x15: "Contactor",
	0x1B: "Mass Flow Controller",
	0x1D: "Pneumatic Valve",
	0x25: "Encoder",
	0x26: "Safety Discrete I/O Device",
	0x29: "CIP Motion Drive",
	0x2C: "CIP Modbus Device",
	0x2E: "Safety Analog I/O Device",
	0x30: "Managed Ethernet Switch",
	0x32: "Safety Drive",
}

// VendorName returns a readable vendor name for common vendor ids.
func (id Identity) VendorName() string {
	if n, ok := vendorNames[id.VendorID]; ok {
		return n
	}
	return fmt.Sprintf("Vendor %d", id.VendorID)
}

// DeviceTypeName returns the CIP device profile name.
func (id Identity) DeviceTypeName() string {
	if n, ok := deviceTypeNames[id.DeviceType]; ok {
		return n
	}
	return fmt.Sprintf("Device Type 0x%02X", id.DeviceType)
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (%s) at %s - %s v%s [SN: %d]",
		id.ProductName, id.DeviceTypeName(), id.IP, id.VendorName(), id.Revision(), id.SerialNumber)
}
