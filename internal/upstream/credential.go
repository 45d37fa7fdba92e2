package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Form names how the caller supplied credential material.
type Form string

const (
	FormToken      Form = "token"
	FormJSONCookie Form = "json-cookie"
	FormRawCookie  Form = "raw-cookie"
)

// Credential is the resolved material a unit of work authenticates with.
// Token travels as an access_token query parameter, Cookie as a header.
type Credential struct {
	Token  string
	Cookie string
}

func (c Credential) IsZero() bool {
	return c.Token == "" && c.Cookie == ""
}

// Secrets lists the raw values for log redaction.
func (c Credential) Secrets() []string {
	return []string{c.Token, c.Cookie}
}

var ErrInvalidCookieFormat = errors.New("invalid cookie format")

type cookiePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ParseCredential accepts three forms: a token starting with one of
// tokenPrefixes (used verbatim), a JSON array of {key,value} pairs joined
// into a cookie string, or a raw "k=v; k2=v2" cookie string.
func ParseCredential(raw string, tokenPrefixes []string) (Credential, Form, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Credential{}, "", fmt.Errorf("%w: empty credential", ErrInvalidCookieFormat)
	}
	if re := tokenPattern(tokenPrefixes); re != nil && re.MatchString(trimmed) {
		return Credential{Token: trimmed}, FormToken, nil
	}

	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		cookie, err := JoinJSONCookies(trimmed)
		if err != nil {
			return Credential{}, "", err
		}
		return Credential{Cookie: cookie}, FormJSONCookie, nil
	}
	return Credential{Cookie: trimmed}, FormRawCookie, nil
}

// JoinJSONCookies converts [{"key":"c_user","value":"123"}] to "c_user=123".
func JoinJSONCookies(raw string) (string, error) {
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookieFormat, err)
	}
	if _, ok := generic.([]any); !ok {
		return "", fmt.Errorf("%w: expected array format for JSON cookies", ErrInvalidCookieFormat)
	}
	var pairs []cookiePair
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookieFormat, err)
	}
	parts := make([]string, 0, len(pairs))
	for i, p := range pairs {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			return "", fmt.Errorf("%w: entry %d has no key", ErrInvalidCookieFormat, i)
		}
		parts = append(parts, key+"="+strings.TrimSpace(p.Value))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no cookies in array", ErrInvalidCookieFormat)
	}
	return strings.Join(parts, "; "), nil
}

func tokenPattern(prefixes []string) *regexp.Regexp {
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)^(?:` + strings.Join(quoted, "|") + `)\w+`)
}
