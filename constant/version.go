package constant

var Version = "unknown"

const CertificateCommonName = "sing-mitm"

const (
	CertificateStoreName = "sing-mitm-ca.pem"
	KeyStoreName         = "sing-mitm-ca.key"
)
