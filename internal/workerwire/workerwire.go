// Package workerwire implements the worker handshake wire format from
// spec.md §6: a fixed-length cookie followed by one newline-terminated
// base64 line carrying the worker's self-description.
package workerwire

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// HeaderCookieLen is the fixed width of the cookie field (HDR_COOKIE_LEN
// in spec.md §4.7/§6), right-padded with spaces.
const HeaderCookieLen = 64

// UserData is the per-worker metadata carried in the handshake
// (spec.md §3 WorkerConfig.userdata).
type UserData struct {
	SubscriptionID string `json:"subscriptionid"`
	ResourceGroup  string `json:"resourcegroup"`
	ScaleSetName   string `json:"scalesetname"`
	InstanceID     string `json:"instanceid"`
	Name           string `json:"name"`
	MPI            bool   `json:"mpi"`
	MPISize        int    `json:"mpi_size"`
}

// SelfDescription is the JSON object a worker sends, base64-encoded, as
// the second line of the handshake.
type SelfDescription struct {
	BindAddr string   `json:"bind_addr"`
	PPI      int      `json:"ppi"`
	UserData UserData `json:"userdata"`
}

// ErrCookieMismatch is returned by ReadHandshake when the cookie read
// from the socket does not match the expected value (spec.md §4.7 step 1:
// "abort with 'Invalid cookie' if mismatched").
var ErrCookieMismatch = fmt.Errorf("workerwire: invalid cookie")

// PadCookie right-pads cookie with spaces to HeaderCookieLen, the
// encoding a worker must use when writing its cookie to the socket.
func PadCookie(cookie string) (string, error) {
	if len(cookie) > HeaderCookieLen {
		return "", fmt.Errorf("workerwire: cookie longer than %d bytes", HeaderCookieLen)
	}
	return cookie + strings.Repeat(" ", HeaderCookieLen-len(cookie)), nil
}

// ReadHandshake reads the cookie and self-description from r, per
// spec.md §4.7 step 1-2. expectedCookie must already be padded via
// PadCookie, or may be compared after trimming -- this function trims
// both sides before comparing so callers can pass either form.
func ReadHandshake(r io.Reader, expectedCookie string) (*SelfDescription, error) {
	br := bufio.NewReader(r)

	cookieBuf := make([]byte, HeaderCookieLen)
	if _, err := io.ReadFull(br, cookieBuf); err != nil {
		return nil, fmt.Errorf("workerwire: reading cookie: %w", err)
	}

	if strings.TrimRight(string(cookieBuf), " ") != strings.TrimRight(expectedCookie, " ") {
		return nil, ErrCookieMismatch
	}

	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("workerwire: reading metadata line: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("workerwire: decoding base64 metadata: %w", err)
	}

	var desc SelfDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("workerwire: decoding metadata JSON: %w", err)
	}

	return &desc, nil
}

// WriteHandshake writes the cookie and self-description to w, the
// worker-side counterpart of ReadHandshake: it produces exactly the bytes
// ReadHandshake expects. Nothing in this module calls it.
func WriteHandshake(w io.Writer, cookie string, desc *SelfDescription) error {
	padded, err := PadCookie(cookie)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, padded); err != nil {
		return err
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	_, err = io.WriteString(w, encoded+"\n")
	return err
}
