package smtp

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"
)

// maxSASLFieldLen is the extra field-length validation the session-engine
// layer imposes on top of go-sasl's own parsing: authcid, authzid,
// and password are each capped at 255 bytes, matching SMTP_LINE_MAX margins.
const maxSASLFieldLen = 255

var (
	errEmptyCredential = errors.New("smtp: empty authentication credential")
	errFieldTooLong    = errors.New("smtp: authentication field too long")
)

// DecodeSASLResponse base64-decodes a client continuation line. The caller
// handles the cancel line ("*") before this is invoked; "=" is not treated
// specially and fails to decode.
func DecodeSASLResponse(line string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(line)
}

// EncodeSASLChallenge base64-encodes a server challenge for transmission as
// a 334 continuation reply.
func EncodeSASLChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}

// AuthFunc authenticates a decoded identity/credential pair, returning nil
// on success. It is supplied by the authentication worker adapter.
type AuthFunc func(authzid, authcid, password string) error

// NewPlainServer wraps go-sasl's PLAIN mechanism with the extra
// authcid/password validation the session engine requires beyond RFC 4616's
// own syntax: neither authcid nor password may be empty, and no field
// may exceed maxSASLFieldLen.
func NewPlainServer(auth AuthFunc) sasl.Server {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if len(identity) > maxSASLFieldLen || len(username) > maxSASLFieldLen || len(password) > maxSASLFieldLen {
			return errFieldTooLong
		}
		if username == "" || password == "" {
			return errEmptyCredential
		}
		return auth(identity, username, password)
	})
}

// NewLoginServer wraps go-sasl's LOGIN mechanism with the same validation.
// go-sasl's LOGIN server prompts "Username:" then "Password:" before
// finally invoking this callback with both values.
func NewLoginServer(auth AuthFunc) sasl.Server {
	return sasl.NewLoginServer(func(username, password string) error {
		if len(username) > maxSASLFieldLen || len(password) > maxSASLFieldLen {
			return errFieldTooLong
		}
		if username == "" || password == "" {
			return errEmptyCredential
		}
		return auth("", username, password)
	})
}
