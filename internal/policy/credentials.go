package policy

import (
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

var (
	accessTokenParam = regexp.MustCompile(`(?i)(access_token=)[^&\s"']+`)
	bearerHeader     = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]+`)
)

// RedactCredentials masks credential material in text that is about to be
// logged or shown to a client. secrets are literal values to mask (a token,
// a cookie string); cookie strings are also split into their values.
func RedactCredentials(text string, secrets ...string) string {
	out := accessTokenParam.ReplaceAllString(text, "${1}"+redacted)
	out = bearerHeader.ReplaceAllString(out, "${1}"+redacted)

	values := secretValues(secrets)
	for _, v := range values {
		out = strings.ReplaceAll(out, v, redacted)
	}
	return out
}

func secretValues(secrets []string) []string {
	seen := make(map[string]struct{})
	var values []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		// Very short values would mask ordinary words.
		if len(v) < 6 {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	for _, s := range secrets {
		add(s)
		for _, pair := range strings.Split(s, ";") {
			if _, val, ok := strings.Cut(pair, "="); ok {
				add(val)
			}
		}
	}
	// Longest first so a full cookie string wins over its parts.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return values
}
