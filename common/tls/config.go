package tls

import (
	"crypto/tls"
	"time"

	"github.com/sagernet/sing-mitm/common/sniff"
	E "github.com/sagernet/sing/common/exceptions"
)

type (
	STDConfig       = tls.Config
	STDConn         = tls.Conn
	ConnectionState = tls.ConnectionState
)

func ParseTLSVersion(version string) (uint16, error) {
	switch version {
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, E.New("unknown tls version:", version)
	}
}

// VersionName returns the name used in flows, e.g. "TLSv1.3".
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return tls.VersionName(version)
	}
}

// ConfigFromClientHello builds an upstream configuration offering what the
// intercepted client offered.
func ConfigFromClientHello(clientHello *sniff.ClientHello) *tls.Config {
	config := &tls.Config{
		ServerName: clientHello.ServerName,
		NextProtos: clientHello.ALPNProtocols,
		MinVersion: tls.VersionTLS10,
		MaxVersion: clientHello.MaxVersion(),
	}
	for _, curve := range clientHello.SupportedCurves {
		config.CurvePreferences = append(config.CurvePreferences, tls.CurveID(curve))
	}
	return config
}

// ClientConfig is used for connections from the proxy to origin servers.
func ClientConfig(serverName string, nextProtos []string, insecure bool, timeFunc func() time.Time) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		NextProtos:         nextProtos,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS10,
		Time:               timeFunc,
	}
}

// ServerConfig presents certificate to an intercepted client.
func ServerConfig(certificate *tls.Certificate, nextProtos []string, timeFunc func() time.Time) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*certificate},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS10,
		Time:         timeFunc,
	}
}
