package scraper

import (
	"fmt"
	"os"
	"strings"
)

// ReadCookieFile loads the session cookie from a file. Accepts the raw
// header value, an optional leading "Cookie:" prefix, surrounding quotes,
// and values split across lines (browser copy-paste artifacts).
func ReadCookieFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("cookie file does not exist: %s", path)
		}
		return "", fmt.Errorf("read cookie file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	raw = strings.Trim(raw, `"'`)
	if raw == "" {
		return "", fmt.Errorf("cookie file is empty: %s", path)
	}

	if len(raw) >= 7 && strings.EqualFold(raw[:7], "cookie:") {
		raw = strings.TrimSpace(raw[7:])
	}

	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		b.WriteString(strings.TrimSpace(line))
	}
	cookie := b.String()
	if cookie == "" {
		return "", fmt.Errorf("cookie file parsed to empty value: %s", path)
	}
	return cookie, nil
}
