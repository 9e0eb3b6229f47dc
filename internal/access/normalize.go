// Package access evaluates DM and group policies for inbound messages:
// allowlist matching, pairing handshakes, command gating, and mention
// gating.
package access

import "strings"

// NormalizeEntry canonicalizes a channel-dependent peer identifier so
// allowlist comparison is byte equality. Phone-bearing channels use e.164,
// WhatsApp uses JIDs, everything else lower-cased handles.
func NormalizeEntry(channel, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return raw
	}
	switch channel {
	case "whatsapp":
		return normalizeJID(raw)
	case "signal", "imessage":
		return normalizeE164(raw)
	case "telegram":
		return strings.ToLower(strings.TrimPrefix(raw, "@"))
	default:
		return strings.ToLower(raw)
	}
}

// normalizeE164 keeps the leading + and digits only.
func normalizeE164(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s != "" && s[0] != '+' {
		s = "+" + s
	}
	return s
}

// normalizeJID lower-cases and strips the device suffix (":12") while
// keeping the server part, so "1555000@s.whatsapp.net" matches regardless
// of device.
func normalizeJID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if at := strings.IndexByte(s, '@'); at > 0 {
		user := s[:at]
		if colon := strings.IndexByte(user, ':'); colon > 0 {
			user = user[:colon]
		}
		return user + s[at:]
	}
	return normalizeE164(s)
}

// matchAllow reports whether id matches any allowlist entry. Entries are
// compared after normalization; "*" matches everything; JID entries match
// by suffix so a bare server-qualified user covers group participants.
func matchAllow(channel, id string, allow []string) bool {
	norm := NormalizeEntry(channel, id)
	for _, entry := range allow {
		e := NormalizeEntry(channel, entry)
		if e == "*" {
			return true
		}
		if e == "" {
			continue
		}
		if e == norm {
			return true
		}
		if channel == "whatsapp" && strings.HasSuffix(norm, e) {
			return true
		}
	}
	return false
}
