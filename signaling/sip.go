// Package signaling implements the SignalingAdapter: the sidecar that
// bridges a local SIP transport to encrypted Application messages,
// treating SIP protocol semantics as an opaque, minimally-parsed
// envelope.
package signaling

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/overlaymesh/hub/errs"
)

// sipMessage is the minimal parse of a SIP datagram this adapter
// needs: enough to classify request vs response and to extract the
// headers RouteMessage and caller_map bookkeeping depend on. Anything
// beyond that is left as opaque body bytes.
type sipMessage struct {
	raw        []byte
	isRequest  bool
	startLine  string
	callID     string
	toURI      string
	fromHeader string
}

var (
	statusLinePattern = regexp.MustCompile(`^SIP/2\.0\s+\d{3}`)
	uriPattern        = regexp.MustCompile(`sip:([^@>\s]+)@([^>\s;]+)`)
	callIDPattern     = regexp.MustCompile(`(?i)^Call-ID:\s*(.+)$`)
	toPattern         = regexp.MustCompile(`(?i)^To:\s*(.+)$`)
	fromPattern       = regexp.MustCompile(`(?i)^From:\s*(.+)$`)
)

// parseSIP splits a datagram into its start-line and headers, up to
// the first blank line; whatever follows is left untouched inside raw.
func parseSIP(data []byte) (*sipMessage, error) {
	lines := bytes.Split(data, []byte("\r\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: empty message", errs.ErrSignalingParse)
	}

	msg := &sipMessage{raw: data, startLine: string(lines[0])}
	msg.isRequest = !statusLinePattern.MatchString(msg.startLine)

	for _, line := range lines[1:] {
		if len(line) == 0 {
			break
		}
		s := string(line)
		if m := callIDPattern.FindStringSubmatch(s); m != nil {
			msg.callID = strings.TrimSpace(m[1])
		}
		if m := toPattern.FindStringSubmatch(s); m != nil {
			msg.toURI = strings.TrimSpace(m[1])
		}
		if m := fromPattern.FindStringSubmatch(s); m != nil {
			msg.fromHeader = strings.TrimSpace(m[1])
		}
	}

	if msg.callID == "" {
		return nil, fmt.Errorf("%w: missing Call-ID header", errs.ErrSignalingParse)
	}
	return msg, nil
}

// toUser extracts the user part of the To header's sip: URI — by
// convention in this overlay, the hex PeerId of the intended
// recipient.
func (m *sipMessage) toUser() (string, bool) {
	match := uriPattern.FindStringSubmatch(m.toURI)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// sentinelHost is substituted for the real host in a forwarded
// request's From URI, so the local client can't mistake the rewritten
// header for a directly-dialable address.
const sentinelHost = "overlay.invalid"

// withRewrittenFromHost returns a copy of raw with the From header's
// URI host replaced by sentinelHost, leaving the user part (the
// originating PeerId in hex) intact so a local reply still carries it.
func withRewrittenFromHost(raw []byte, fromHeader string) []byte {
	match := uriPattern.FindStringSubmatch(fromHeader)
	if match == nil {
		return raw
	}
	rewritten := strings.Replace(fromHeader, "@"+match[2], "@"+sentinelHost, 1)
	oldLine := []byte("From: " + fromHeader)
	newLine := []byte("From: " + rewritten)
	if !bytes.Contains(raw, oldLine) {
		oldLine = []byte("from: " + fromHeader)
		newLine = []byte("from: " + rewritten)
	}
	return bytes.Replace(raw, oldLine, newLine, 1)
}
