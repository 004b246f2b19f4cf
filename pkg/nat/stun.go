package nat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
)

// STUN (RFC 5389) binding request/response, used only to learn this node's
// own externally-visible endpoint as an input to Predictor.SetLocalEndpoint.
// It never decides NAT type on its own: that stays purely an observation of
// what other mesh peers report, per Predictor's rules above.
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	stunHeaderSize      = 20

	stunAttrMappedAddress    = 0x0001
	stunAttrXORMappedAddress = 0x0020
)

var stunTracer = otel.Tracer("omerta.nat.stun")

// DefaultSTUNServers are public, free STUN servers used when the caller
// does not configure its own.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

func buildBindingRequest() []byte {
	req := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	_, _ = rand.Read(req[8:20])
	return req
}

func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < stunHeaderSize {
		return nil, 0, fmt.Errorf("nat: stun response too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != stunBindingResponse {
		return nil, 0, fmt.Errorf("nat: unexpected stun message type")
	}
	if binary.BigEndian.Uint32(data[4:8]) != stunMagicCookie {
		return nil, 0, fmt.Errorf("nat: invalid stun magic cookie")
	}

	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("nat: stun transaction id mismatch")
	}

	attrLen := int(binary.BigEndian.Uint16(data[2:4]))
	if attrLen > len(data)-stunHeaderSize {
		return nil, 0, fmt.Errorf("nat: stun attribute length exceeds data")
	}
	attrs := data[stunHeaderSize : stunHeaderSize+attrLen]

	var mappedIP net.IP
	var mappedPort int
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if 4+valLen > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case stunAttrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case stunAttrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("nat: no mapped address in stun response")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("nat: xor-mapped-address too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]) ^ uint16(stunMagicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("nat: xor-mapped-address ipv4 too short")
		}
		var cookie [4]byte
		binary.BigEndian.PutUint32(cookie[:], stunMagicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookie[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("nat: xor-mapped-address ipv6 too short")
		}
		var key [16]byte
		binary.BigEndian.PutUint32(key[0:4], stunMagicCookie)
		copy(key[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ key[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("nat: unknown stun address family 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("nat: mapped-address too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))
	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("nat: mapped-address ipv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("nat: mapped-address ipv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("nat: unknown stun address family 0x%02x", family)
	}
}

// QueryLocalEndpoint sends a single STUN Binding Request to server from a
// socket bound to localPort (0 meaning any free port) and returns the
// server-reflexive "ip:port" string as observed by that server.
func QueryLocalEndpoint(ctx context.Context, server string, localPort int, timeout time.Duration) (string, error) {
	_, span := stunTracer.Start(ctx, "nat.QueryLocalEndpoint")
	defer span.End()

	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", fmt.Errorf("nat: resolve stun server %q: %w", server, err)
	}

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return "", fmt.Errorf("nat: bind udp socket: %w", err)
	}
	defer conn.Close()

	req := buildBindingRequest()
	var txnID [12]byte
	copy(txnID[:], req[8:20])

	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return "", fmt.Errorf("nat: send stun request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("nat: set read deadline: %w", err)
	}
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", fmt.Errorf("nat: read stun response: %w", err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return "", fmt.Errorf("nat: stun response from unexpected sender %v", sender)
	}

	ip, port, err := parseBindingResponse(buf[:n], txnID)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), nil
}

// DiscoverLocalEndpoint tries each of DefaultSTUNServers in turn and returns
// the first successful result.
func DiscoverLocalEndpoint(ctx context.Context, localPort int) (string, error) {
	var lastErr error
	for _, server := range DefaultSTUNServers {
		endpoint, err := QueryLocalEndpoint(ctx, server, localPort, 3*time.Second)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("nat: all stun servers failed: %w", lastErr)
}
