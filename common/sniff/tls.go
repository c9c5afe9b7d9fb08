package sniff

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	C "github.com/sagernet/sing-mitm/constant"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/crypto/cryptobyte"
)

const (
	RecordTypeHandshake      = 0x16
	handshakeTypeClientHello = 0x01
	recordHeaderLen          = 5
	maxRecordLength          = 16384 + 2048
)

const (
	extensionServerName          uint16 = 0
	extensionSupportedGroups     uint16 = 10
	extensionPointFormats        uint16 = 11
	extensionSignatureAlgorithms uint16 = 13
	extensionALPN                uint16 = 16
	extensionSupportedVersions   uint16 = 43
)

var (
	ErrIncomplete      = E.New("incomplete client hello")
	ErrNotHandshake    = E.New("not a TLS handshake record")
	ErrMalformed       = E.New("malformed client hello")
	ErrUnsupportedTLS  = E.New("unsupported TLS version")
	ErrClientHelloSize = E.New("client hello too large")
)

type ClientHello struct {
	Version             uint16
	Random              []byte
	SessionID           []byte
	CipherSuites        []uint16
	CompressionMethods  []uint8
	Extensions          []uint16
	ServerName          string
	ALPNProtocols       []string
	SupportedVersions   []uint16
	SupportedCurves     []uint16
	SupportedPoints     []uint8
	SignatureAlgorithms []uint16
	// Raw is the handshake message without record framing.
	Raw []byte
}

// IsTLSHandshake reports whether data starts with a TLS handshake record header.
func IsTLSHandshake(data []byte) bool {
	return len(data) >= 3 && data[0] == RecordTypeHandshake && data[1] == 0x03 && data[2] <= 0x04
}

// ParseClientHello parses a ClientHello from raw record bytes, which may
// span several records. ErrIncomplete means more data is needed.
func ParseClientHello(data []byte) (*ClientHello, error) {
	message, err := readHandshakeMessage(data)
	if err != nil {
		return nil, err
	}
	return parseClientHelloMessage(message)
}

func readHandshakeMessage(data []byte) ([]byte, error) {
	var message []byte
	for {
		if len(data) < recordHeaderLen {
			return nil, ErrIncomplete
		}
		if data[0] != RecordTypeHandshake {
			return nil, ErrNotHandshake
		}
		if data[1] != 0x03 {
			return nil, E.Extend(ErrUnsupportedTLS, "record version ", data[1], ".", data[2])
		}
		length := int(data[3])<<8 | int(data[4])
		if length == 0 || length > maxRecordLength {
			return nil, E.Extend(ErrMalformed, "record length ", length)
		}
		if len(data) < recordHeaderLen+length {
			return nil, ErrIncomplete
		}
		message = append(message, data[recordHeaderLen:recordHeaderLen+length]...)
		data = data[recordHeaderLen+length:]
		if len(message) < 4 {
			continue
		}
		if message[0] != handshakeTypeClientHello {
			return nil, E.Extend(ErrMalformed, "unexpected handshake type ", message[0])
		}
		messageLength := int(message[1])<<16 | int(message[2])<<8 | int(message[3])
		if messageLength > C.MaxClientHelloSize {
			return nil, ErrClientHelloSize
		}
		if len(message) >= 4+messageLength {
			return message[:4+messageLength], nil
		}
	}
}

func parseClientHelloMessage(message []byte) (*ClientHello, error) {
	hello := &ClientHello{Raw: message}
	input := cryptobyte.String(message[4:])
	var (
		sessionID    cryptobyte.String
		cipherSuites cryptobyte.String
		compression  cryptobyte.String
	)
	if !input.ReadUint16(&hello.Version) ||
		!input.ReadBytes(&hello.Random, 32) ||
		!input.ReadUint8LengthPrefixed(&sessionID) ||
		!input.ReadUint16LengthPrefixed(&cipherSuites) ||
		!input.ReadUint8LengthPrefixed(&compression) {
		return nil, ErrMalformed
	}
	if hello.Version < 0x0301 {
		return nil, E.Extend(ErrUnsupportedTLS, "client hello version ", hello.Version)
	}
	hello.SessionID = sessionID
	for !cipherSuites.Empty() {
		var suite uint16
		if !cipherSuites.ReadUint16(&suite) {
			return nil, E.Extend(ErrMalformed, "cipher suites")
		}
		hello.CipherSuites = append(hello.CipherSuites, suite)
	}
	hello.CompressionMethods = compression
	if input.Empty() {
		return hello, nil
	}
	var extensions cryptobyte.String
	if !input.ReadUint16LengthPrefixed(&extensions) || !input.Empty() {
		return nil, E.Extend(ErrMalformed, "extensions")
	}
	for !extensions.Empty() {
		var (
			extension uint16
			data      cryptobyte.String
		)
		if !extensions.ReadUint16(&extension) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, E.Extend(ErrMalformed, "extension header")
		}
		hello.Extensions = append(hello.Extensions, extension)
		if err := hello.parseExtension(extension, data); err != nil {
			return nil, err
		}
	}
	return hello, nil
}

func (h *ClientHello) parseExtension(extension uint16, data cryptobyte.String) error {
	switch extension {
	case extensionServerName:
		var names cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&names) {
			return E.Extend(ErrMalformed, "server name")
		}
		for !names.Empty() {
			var (
				nameType uint8
				name     cryptobyte.String
			)
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return E.Extend(ErrMalformed, "server name")
			}
			if nameType == 0 {
				h.ServerName = strings.TrimSuffix(string(name), ".")
			}
		}
	case extensionALPN:
		var protocols cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&protocols) {
			return E.Extend(ErrMalformed, "alpn")
		}
		for !protocols.Empty() {
			var protocol cryptobyte.String
			if !protocols.ReadUint8LengthPrefixed(&protocol) || len(protocol) == 0 {
				return E.Extend(ErrMalformed, "alpn")
			}
			h.ALPNProtocols = append(h.ALPNProtocols, string(protocol))
		}
	case extensionSupportedVersions:
		var versions cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&versions) {
			return E.Extend(ErrMalformed, "supported versions")
		}
		for !versions.Empty() {
			var version uint16
			if !versions.ReadUint16(&version) {
				return E.Extend(ErrMalformed, "supported versions")
			}
			h.SupportedVersions = append(h.SupportedVersions, version)
		}
	case extensionSupportedGroups:
		var groups cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&groups) {
			return E.Extend(ErrMalformed, "supported groups")
		}
		for !groups.Empty() {
			var group uint16
			if !groups.ReadUint16(&group) {
				return E.Extend(ErrMalformed, "supported groups")
			}
			h.SupportedCurves = append(h.SupportedCurves, group)
		}
	case extensionPointFormats:
		var points cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&points) {
			return E.Extend(ErrMalformed, "point formats")
		}
		h.SupportedPoints = points
	case extensionSignatureAlgorithms:
		var algorithms cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&algorithms) {
			return E.Extend(ErrMalformed, "signature algorithms")
		}
		for !algorithms.Empty() {
			var algorithm uint16
			if !algorithms.ReadUint16(&algorithm) {
				return E.Extend(ErrMalformed, "signature algorithms")
			}
			h.SignatureAlgorithms = append(h.SignatureAlgorithms, algorithm)
		}
	}
	return nil
}

// MaxVersion is the highest version offered, honoring supported_versions.
func (h *ClientHello) MaxVersion() uint16 {
	maxVersion := h.Version
	for _, version := range h.SupportedVersions {
		if !isGREASE(version) && version > maxVersion {
			maxVersion = version
		}
	}
	return maxVersion
}

// JA3 returns the JA3 string and its MD5 fingerprint.
func (h *ClientHello) JA3() (string, string) {
	var builder strings.Builder
	builder.WriteString(strconv.Itoa(int(h.Version)))
	builder.WriteByte(',')
	writeJA3List(&builder, h.CipherSuites)
	builder.WriteByte(',')
	writeJA3List(&builder, h.Extensions)
	builder.WriteByte(',')
	writeJA3List(&builder, h.SupportedCurves)
	builder.WriteByte(',')
	for i, point := range h.SupportedPoints {
		if i > 0 {
			builder.WriteByte('-')
		}
		builder.WriteString(strconv.Itoa(int(point)))
	}
	ja3 := builder.String()
	sum := md5.Sum([]byte(ja3))
	return ja3, hex.EncodeToString(sum[:])
}

func writeJA3List(builder *strings.Builder, values []uint16) {
	var written bool
	for _, value := range values {
		if isGREASE(value) {
			continue
		}
		if written {
			builder.WriteByte('-')
		}
		builder.WriteString(strconv.Itoa(int(value)))
		written = true
	}
}

func isGREASE(value uint16) bool {
	return value&0x0f0f == 0x0a0a && value>>8 == value&0xff
}
