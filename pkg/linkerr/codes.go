package linkerr

// Code identifies one entry in the error taxonomy.
type Code string

// Connection errors (NL-1xx).
const (
	CodeConnectionFailed Code = "NL-100"
	CodeConnectionLost   Code = "NL-101"
	CodeHandshakeTimeout Code = "NL-102"
	CodeMaxReconnects    Code = "NL-103"
	CodeRateLimited      Code = "NL-110"
)

// Security errors (NL-2xx).
const (
	CodeInvalidSignature   Code = "NL-200"
	CodeUnauthorizedDevice Code = "NL-201"
	CodeKeyExchangeFailed  Code = "NL-202"
	CodeMessageReplayed    Code = "NL-203"
)

// Protocol errors (NL-3xx).
const (
	CodeMalformedMessage   Code = "NL-300"
	CodeUnsupportedMessage Code = "NL-301"
	CodeEncodingFailed     Code = "NL-302"
)

// Delegation errors (NL-4xx).
const (
	CodeCapabilityNotFound Code = "NL-400"
	CodeExecutionTimeout   Code = "NL-401"
	CodePermissionDenied   Code = "NL-402"
	CodeDeviceNotFound     Code = "NL-403"
	CodeCommandFailed      Code = "NL-404"
)

// Session errors (NL-5xx).
const (
	CodeSessionInvalid        Code = "NL-500"
	CodeSessionExpired        Code = "NL-501"
	CodeSessionRecoveryFailed Code = "NL-502"
	CodeSessionConflict       Code = "NL-503"
)

// Generic errors (NL-9xx).
const (
	CodeInternal Code = "NL-900"
)

// Severity ranks how serious an error is.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// definition is the static taxonomy entry for one code.
type definition struct {
	severity    Severity
	userMessage string
	suggestion  string
	retryable   bool
	notifiable  bool
}

// taxonomy maps each code to its classification. Codes absent from the
// table classify as CodeInternal.
var taxonomy = map[Code]definition{
	CodeConnectionFailed: {SeverityWarning, "Could not reach the hub.", "Check your network connection.", true, false},
	CodeConnectionLost:   {SeverityWarning, "Connection to the hub was lost.", "Reconnecting automatically.", true, false},
	CodeHandshakeTimeout: {SeverityWarning, "Secure handshake timed out.", "Reconnecting automatically.", true, false},
	CodeMaxReconnects:    {SeverityError, "Reconnection attempts exhausted.", "Reconnect manually when the network is available.", false, true},
	CodeRateLimited:      {SeverityWarning, "Too many requests; slowing down.", "Wait a moment before retrying.", true, true},

	CodeInvalidSignature:   {SeverityCritical, "A message failed its security check.", "The connection has been closed.", false, true},
	CodeUnauthorizedDevice: {SeverityCritical, "An unauthorized device attempted to connect.", "Re-pair the device if this was expected.", false, true},
	CodeKeyExchangeFailed:  {SeverityCritical, "Secure key exchange failed.", "The connection has been closed.", false, true},
	CodeMessageReplayed:    {SeverityCritical, "A stale or replayed message was rejected.", "The connection has been closed.", false, true},

	CodeMalformedMessage:   {SeverityError, "A message could not be decoded.", "", true, false},
	CodeUnsupportedMessage: {SeverityError, "A message of an unknown type was received.", "", false, false},
	CodeEncodingFailed:     {SeverityError, "A message could not be encoded.", "", false, false},

	CodeCapabilityNotFound: {SeverityWarning, "No linked device can perform this action.", "Pair a device with the required capability.", false, false},
	CodeExecutionTimeout:   {SeverityError, "The device did not respond in time.", "Try again.", true, false},
	CodePermissionDenied:   {SeverityWarning, "The device refused this command.", "Check the device's permission settings.", false, true},
	CodeDeviceNotFound:     {SeverityWarning, "The target device is not available.", "Check that the device is online.", false, false},
	CodeCommandFailed:      {SeverityError, "The command failed on the device.", "Try again.", true, false},

	CodeSessionInvalid:        {SeverityError, "The saved session is no longer valid.", "Pair the device again.", false, true},
	CodeSessionExpired:        {SeverityError, "The saved session has expired.", "Pair the device again.", false, true},
	CodeSessionRecoveryFailed: {SeverityError, "Could not restore the saved session.", "Pair the device again.", false, false},
	CodeSessionConflict:       {SeverityWarning, "Duplicate sessions were found and resolved.", "", false, false},

	CodeInternal: {SeverityError, "An internal error occurred.", "", false, false},
}

// Namespace returns the taxonomy namespace for a code.
func (c Code) Namespace() string {
	if len(c) < 4 {
		return "generic"
	}
	switch c[3] {
	case '1':
		return "connection"
	case '2':
		return "security"
	case '3':
		return "protocol"
	case '4':
		return "delegation"
	case '5':
		return "session"
	default:
		return "generic"
	}
}
