package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Protocol-tagged debug logging. Every helper routes through the process
// logger at debug level, named after the protocol, so the usual level and
// sink configuration applies. A protocol filter narrows output further.

var (
	filterMu sync.RWMutex
	filters  map[string]bool
)

// related expands a filter entry to the protocols layered beneath it.
var related = map[string][]string{
	"logix": {"cip", "eip"},
	"cip":   {"eip"},
}

// SetFilter restricts debug output to a comma-separated list of protocols.
// Matching is case-insensitive; an empty filter logs every protocol.
func SetFilter(filter string) {
	next := make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		next[p] = true
		for _, r := range related[p] {
			next[r] = true
		}
	}

	filterMu.Lock()
	filters = next
	filterMu.Unlock()
}

func shouldLog(protocol string) bool {
	filterMu.RLock()
	defer filterMu.RUnlock()
	if len(filters) == 0 {
		return true
	}
	return filters[strings.ToLower(protocol)]
}

// debugLogger returns a named logger for protocol, or nil when debug output
// for it is disabled.
func debugLogger(protocol string) *zap.Logger {
	l := L()
	if !l.Core().Enabled(zap.DebugLevel) || !shouldLog(protocol) {
		return nil
	}
	return l.Named(strings.ToLower(protocol))
}

// DebugLog logs a formatted message.
func DebugLog(protocol, format string, args ...interface{}) {
	if l := debugLogger(protocol); l != nil {
		l.Debug(fmt.Sprintf(format, args...))
	}
}

// DebugTX logs a transmitted frame with a hex dump.
func DebugTX(protocol string, data []byte) {
	logPacket(protocol, "TX", data)
}

// DebugRX logs a received frame with a hex dump.
func DebugRX(protocol string, data []byte) {
	logPacket(protocol, "RX", data)
}

func logPacket(protocol, direction string, data []byte) {
	if l := debugLogger(protocol); l != nil {
		l.Debug(direction, zap.Int("bytes", len(data)), zap.String("dump", "\n"+hexDump(data)))
	}
}

// DebugConnect logs a connection attempt.
func DebugConnect(protocol, address string) {
	if l := debugLogger(protocol); l != nil {
		l.Debug("connect", zap.String("address", address))
	}
}

// DebugConnectSuccess logs a completed connection.
func DebugConnectSuccess(protocol, address, details string) {
	if l := debugLogger(protocol); l != nil {
		l.Debug("connected", zap.String("address", address), zap.String("details", details))
	}
}

// DebugConnectError logs a failed connection.
func DebugConnectError(protocol, address string, err error) {
	if l := debugLogger(protocol); l != nil {
		l.Debug("connect failed", zap.String("address", address), zap.Error(err))
	}
}

// DebugDisconnect logs a disconnection.
func DebugDisconnect(protocol, address, reason string) {
	if l := debugLogger(protocol); l != nil {
		l.Debug("disconnect", zap.String("address", address), zap.String("reason", reason))
	}
}

// DebugError logs an error with the operation it happened in.
func DebugError(protocol, context string, err error) {
	if l := debugLogger(protocol); l != nil {
		l.Debug("error", zap.String("op", context), zap.Error(err))
	}
}

// hexDump renders data as offset, two groups of eight hex bytes and ASCII:
//
//	0000: 65 00 04 00 00 00 00 00  00 00 00 00 00 00 00 00  e...............
//	0010: 00 00 00 00 01 00 00 00                          ........
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
