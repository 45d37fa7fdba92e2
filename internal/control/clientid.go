package control

import "strings"

// ClientIDCodec wraps a client id between fixed sub-tokens:
// <PrefixA>-<PrefixB>-<client id>-<Suffix>. The client id itself may
// contain dashes.
type ClientIDCodec struct {
	PrefixA string
	PrefixB string
	Suffix  string
}

func (c ClientIDCodec) Encode(clientID string) string {
	return strings.Join([]string{c.PrefixA, c.PrefixB, clientID, c.Suffix}, "-")
}

func (c ClientIDCodec) Decode(composite string) (string, bool) {
	parts := strings.Split(composite, "-")
	if len(parts) < 4 {
		return "", false
	}
	if parts[0] != c.PrefixA || parts[1] != c.PrefixB || parts[len(parts)-1] != c.Suffix {
		return "", false
	}
	id := strings.Join(parts[2:len(parts)-1], "-")
	if strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}
