package sniff

import (
	"bytes"
)

// Skip reports whether the destination port belongs to a protocol where the
// server speaks first.
func Skip(port uint16) bool {
	switch port {
	case 25, 465, 587:
		// SMTP
		return true
	case 143, 993:
		// IMAP
		return true
	case 110, 995:
		// POP3
		return true
	}
	return false
}

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("HEAD "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("CONNECT "),
	[]byte("OPTIONS "),
	[]byte("TRACE "),
	[]byte("PATCH "),
	[]byte("PRI "),
}

// LooksLikeHTTP reports whether data starts with an HTTP/1 request line or the
// HTTP/2 connection preface.
func LooksLikeHTTP(data []byte) bool {
	for _, method := range httpMethods {
		length := len(method)
		if len(data) < length {
			if bytes.HasPrefix(method, data) {
				return true
			}
			continue
		}
		if bytes.Equal(data[:length], method) {
			return true
		}
	}
	return false
}
