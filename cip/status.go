package cip

import "fmt"

// General status codes.
const (
	StatusSuccess              byte = 0x00
	StatusConnectionFailure    byte = 0x01
	StatusResourceUnavailable  byte = 0x02
	StatusInvalidParameterVal  byte = 0x03
	StatusPathSegmentError     byte = 0x04
	StatusPathUnknown          byte = 0x05
	StatusPartialTransfer      byte = 0x06
	StatusConnectionLost       byte = 0x07
	StatusServiceNotSupported  byte = 0x08
	StatusInvalidAttribute     byte = 0x09
	StatusPrivilegeViolation   byte = 0x0F
	StatusDeviceStateConflict  byte = 0x10
	StatusReplyTooLarge        byte = 0x11
	StatusNotEnoughData        byte = 0x13
	StatusAttributeUnsupported byte = 0x14
	StatusTooMuchData          byte = 0x15
	StatusObjectNotExist       byte = 0x16
	StatusEmbeddedServiceError byte = 0x1E
	StatusInvalidParameter     byte = 0x20
	StatusPathSizeInvalid      byte = 0x26
	StatusGeneralError         byte = 0xFF
)

// Logix extended status codes, reported with general status 0xFF.
const (
	ExtIllegalType  uint16 = 0x2101
	ExtTagNotFound  uint16 = 0x2104
	ExtTagReadOnly  uint16 = 0x2105
	ExtSizeTooSmall uint16 = 0x2107
	ExtSizeTooLarge uint16 = 0x2108
	ExtOffsetError  uint16 = 0x2109
)

var statusNames = map[byte]string{
	0x00: "success",
	0x01: "connection failure",
	0x02: "resource unavailable",
	0x03: "invalid parameter value",
	0x04: "path segment error",
	0x05: "path destination unknown",
	0x06: "partial transfer",
	0x07: "connection lost",
	0x08: "service not supported",
	0x09: "invalid attribute value",
	0x0A: "attribute list error",
	0x0B: "already in requested mode/state",
	0x0C: "object state conflict",
	0x0D: "object already exists",
	0x0E: "attribute not settable",
	0x0F: "privilege violation",
	0x10: "device state conflict",
	0x11: "reply data too large",
	0x12: "fragmentation of a primitive value",
	0x13: "not enough data",
	0x14: "attribute not supported",
	0x15: "too much data",
	0x16: "object does not exist",
	0x17: "service fragmentation sequence not in progress",
	0x18: "no stored attribute data",
	0x19: "store operation failure",
	0x1A: "routing failure, request packet too large",
	0x1B: "routing failure, response packet too large",
	0x1C: "missing attribute list entry data",
	0x1D: "invalid attribute value list",
	0x1E: "embedded service error",
	0x1F: "vendor specific error",
	0x20: "invalid parameter",
	0x21: "write-once value or medium already written",
	0x22: "invalid reply received",
	0x23: "buffer overflow",
	0x24: "invalid message format",
	0x25: "key failure in path",
	0x26: "path size invalid",
	0x27: "unexpected attribute in list",
	0x28: "invalid member ID",
	0x29: "member not settable",
	0x2A: "group 2 only server general failure",
	0x2C: "attribute not gettable",
	0xFF: "general error",
}

var extStatusNames = map[uint16]string{
	ExtIllegalType:  "illegal data type",
	ExtTagNotFound:  "tag not found",
	ExtTagReadOnly:  "tag read only",
	ExtSizeTooSmall: "size too small",
	ExtSizeTooLarge: "size too large",
	ExtOffsetError:  "offset out of range",
	0x0100:          "connection in use",
	0x0103:          "transport class not supported",
	0x0106:          "ownership conflict",
	0x0107:          "connection not found",
	0x0108:          "invalid connection type",
	0x0109:          "invalid connection size",
	0x0110:          "module not found",
	0x0111:          "connection request refused",
	0x0203:          "connection timed out",
	0x0204:          "unconnected send timed out",
	0x0205:          "parameter error",
	0x0311:          "connection request failed",
	0x0312:          "connection request rejected",
	0xFF00:          "extended link error",
}

// StatusName names a general status code.
func StatusName(status byte) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("unknown status 0x%02X", status)
}

// ExtendedStatusName names a Logix or connection manager extended status.
func ExtendedStatusName(ext uint16) string {
	if name, ok := extStatusNames[ext]; ok {
		return name
	}
	return fmt.Sprintf("extended status 0x%04X", ext)
}
