// Package sshwire implements the SSH binary packet protocol, key
// exchange, and public-key signature verification for a single
// algorithm suite: curve25519-sha256, ssh-ed25519, aes256-gcm@openssh.com,
// hmac-sha2-256 (unused, GCM supplies integrity), no compression.
package sshwire

// Message type bytes, RFC 4253/4252/4254/8308.
const (
	MsgDisconnect   = 1
	MsgIgnore       = 2
	MsgUnimplemented = 3
	MsgDebug        = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6
	MsgExtInfo        = 7

	MsgKexInit = 20
	MsgNewKeys = 21

	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthPKOK    = 60

	MsgGlobalRequest = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// Disconnect reason codes, RFC 4253 §11.1.
const (
	DisconnectProtocolError            = 2
	DisconnectKeyExchangeFailed        = 3
	DisconnectMACError                 = 5
	DisconnectCompressionError         = 6
	DisconnectByApplication            = 11
	DisconnectTooManyConnections       = 12
)

// Channel open failure reason codes, RFC 4254 §5.1.
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// The fixed algorithm suite this server speaks. Exactly one choice per
// list, per spec §4.2 — negotiation is nominal.
const (
	KexAlgoCurve25519SHA256 = "curve25519-sha256"
	HostKeyAlgoSSHEd25519   = "ssh-ed25519"
	CipherAES256GCM         = "aes256-gcm@openssh.com"
	MACHMACSHA256           = "hmac-sha2-256"
	CompressionNone         = "none"

	SigAlgoSSHRSA      = "ssh-rsa"
	SigAlgoRSASHA256   = "rsa-sha2-256"
	SigAlgoRSASHA512   = "rsa-sha2-512"
	KeyAlgoSSHRSA      = "ssh-rsa"

	ExtInfoServerSigAlgs = "ssh-ed25519,rsa-sha2-256,rsa-sha2-512,ssh-rsa"
)

// ServerVersion is the identification string sent first on every
// connection, per spec §6.
const ServerVersion = "SSH-2.0-Whisp_0.1.0"
