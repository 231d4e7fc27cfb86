package eip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Identity is the identity item of a ListIdentity reply.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// Revision formats the firmware revision as major.minor.
func (id Identity) Revision() string {
	return fmt.Sprintf("%d.%03d", id.RevisionMajor, id.RevisionMinor)
}

// MarshalItem encodes the identity as a CPF item body (type 0x0C).
func (id Identity) MarshalItem() []byte {
	b := binary.LittleEndian.AppendUint16(nil, id.EncapsulationVersion)

	// Socket address is big-endian: family, port, addr, zero[8].
	b = binary.BigEndian.AppendUint16(b, 2)
	b = binary.BigEndian.AppendUint16(b, id.Port)
	ip4 := id.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	b = append(b, ip4...)
	b = append(b, make([]byte, 8)...)

	b = binary.LittleEndian.AppendUint16(b, id.VendorID)
	b = binary.LittleEndian.AppendUint16(b, id.DeviceType)
	b = binary.LittleEndian.AppendUint16(b, id.ProductCode)
	b = append(b, id.RevisionMajor, id.RevisionMinor)
	b = binary.LittleEndian.AppendUint16(b, id.Status)
	b = binary.LittleEndian.AppendUint32(b, id.SerialNumber)
	b = append(b, byte(len(id.ProductName)))
	b = append(b, id.ProductName...)
	return append(b, id.State)
}

// ParseListIdentity decodes a ListIdentity reply payload. When an item's
// embedded address is unset, fallbackIP is used instead.
func ParseListIdentity(p []byte, fallbackIP net.IP) ([]Identity, error) {
	cpf, err := ParseCommonPacket(p)
	if err != nil {
		return nil, err
	}

	idents := make([]Identity, 0, len(cpf.Items))
	for _, item := range cpf.Items {
		if item.Type != ItemListIdentity {
			continue
		}
		id, err := parseIdentityItem(item.Data)
		if err != nil {
			return nil, err
		}
		if id.IP == nil || id.IP.Equal(net.IPv4zero) {
			id.IP = fallbackIP
		}
		idents = append(idents, id)
	}
	return idents, nil
}

func parseIdentityItem(b []byte) (Identity, error) {
	// Fixed part up to and including the product name length.
	if len(b) < 33 {
		return Identity{}, malformed("identity item too short: %d bytes", len(b))
	}

	id := Identity{
		EncapsulationVersion: binary.LittleEndian.Uint16(b[0:2]),
		Port:                 binary.BigEndian.Uint16(b[4:6]),
		IP:                   net.IPv4(b[6], b[7], b[8], b[9]),
		VendorID:             binary.LittleEndian.Uint16(b[18:20]),
		DeviceType:           binary.LittleEndian.Uint16(b[20:22]),
		ProductCode:          binary.LittleEndian.Uint16(b[22:24]),
		RevisionMajor:        b[24],
		RevisionMinor:        b[25],
		Status:               binary.LittleEndian.Uint16(b[26:28]),
		SerialNumber:         binary.LittleEndian.Uint32(b[28:32]),
	}

	nameLen := int(b[32])
	off := 33
	if off+nameLen >= len(b) {
		return Identity{}, malformed("product name truncated: need %d bytes plus state, have %d", nameLen, len(b)-off)
	}
	id.ProductName = string(b[off : off+nameLen])
	id.State = b[off+nameLen]
	return id, nil
}

// Browse broadcasts ListIdentity over UDP to broadcastIP:44818 and collects
// replies until wait elapses or ctx is done. Duplicate replies (same address
// and serial number) are dropped.
func Browse(ctx context.Context, broadcastIP string, wait time.Duration) ([]Identity, error) {
	ip := net.ParseIP(broadcastIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("browse: broadcast address must be IPv4: %q", broadcastIP)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	defer uc.Close()

	if _, err := uc.WriteToUDP(EncodeListIdentity(), &net.UDPAddr{IP: ip, Port: DefaultPort}); err != nil {
		return nil, fmt.Errorf("browse: send ListIdentity: %w", err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = uc.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = uc.SetReadDeadline(time.Now()) })
	defer stop()

	type key struct {
		ip     string
		serial uint32
	}
	seen := make(map[key]struct{})
	var out []Identity

	buf := make([]byte, 4096)
	for {
		n, src, err := uc.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return out, nil
			}
			return out, fmt.Errorf("browse: %w", err)
		}

		m, err := ParseEncap(buf[:n])
		if err != nil || m.Command != CommandListIdentity || m.Status != StatusSuccess {
			continue
		}
		idents, err := ParseListIdentity(m.Data, src.IP)
		if err != nil {
			continue
		}
		for _, id := range idents {
			k := key{ip: id.IP.String(), serial: id.SerialNumber}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, id)
		}
	}
}
