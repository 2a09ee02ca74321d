// Package scraper fetches and parses the iCity friends activity page using
// an operator-supplied session cookie.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"github.com/linccl/iCity-Echo/pkg/activity"
)

// AuthError indicates the session is no longer usable: unauthorized,
// forbidden, rate limited, or redirected to the login page. Retrying with
// the same cookie is pointless, so the monitor stops on it.
type AuthError struct {
	URL    string
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s, HTTP %d): %s", e.Reason, e.Status, e.URL)
}

// IsAuthError checks if an error indicates a dead session.
func IsAuthError(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

var activityIDRegex = regexp.MustCompile(`/a/([^/?#]+)`)

// Scraper fetches and parses the friends activity page.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	checkURL string
	baseURL  string
	cookie   string
}

// New creates a scraper. The cookie is the full Cookie header value for an
// authenticated icity.ly session.
func New(client *http.Client, checkURL, baseURL, cookie string, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:   client,
		logger:   logger,
		checkURL: checkURL,
		baseURL:  baseURL,
		cookie:   cookie,
	}
}

// Fetch retrieves the friends page and extracts its activity entries in page
// order. Transient failures are retried; auth failures are surfaced
// immediately as AuthError.
func (s *Scraper) Fetch(ctx context.Context) ([]*activity.RawEntry, error) {
	var entries []*activity.RawEntry

	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting", "method", "GET", "url", s.checkURL)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.checkURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Cookie", s.cookie)

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", s.checkURL, "duration_ms", duration.Milliseconds(), "error", err)
				return fmt.Errorf("fetch friends page: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", s.checkURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"final_url", resp.Request.URL.String())

			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
				return retry.Unrecoverable(&AuthError{
					URL:    resp.Request.URL.String(),
					Status: resp.StatusCode,
					Reason: http.StatusText(resp.StatusCode),
				})
			case http.StatusOK:
				// fall through to parse
			default:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read friends page: %w", err)
			}
			html := string(body)

			if LooksLikeLoginPage(resp.Request.URL.String(), html) {
				return retry.Unrecoverable(&AuthError{
					URL:    resp.Request.URL.String(),
					Status: resp.StatusCode,
					Reason: "redirected to login page",
				})
			}

			parsed, err := ParseEntries(html, s.baseURL)
			if err != nil {
				return fmt.Errorf("parse friends page: %w", err)
			}
			entries = parsed

			s.logger.Info("Friends page parsed", "entries", len(entries))
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsAuthError(err)
		}),
	)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return entries, nil
}

// LooksLikeLoginPage detects a login redirect or an unauthenticated render.
func LooksLikeLoginPage(finalURL, html string) bool {
	if u, err := url.Parse(finalURL); err == nil && strings.Contains(u.Path, "login") {
		return true
	}

	lower := strings.ToLower(html)
	if strings.Contains(lower, `type="password"`) || strings.Contains(lower, `name="password"`) {
		return true
	}
	if strings.Contains(lower, "/login") &&
		(strings.Contains(html, "登录") || strings.Contains(lower, "log in") || strings.Contains(lower, "login")) {
		return true
	}
	return false
}

// ExtractActivityID pulls the activity id out of an /a/<id> href.
func ExtractActivityID(href string) string {
	m := activityIDRegex.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseEntries extracts activity entries from the friends page markup.
// Primary path: ul.activities li.activity-item items. If the page structure
// changed and no items match, falls back to sweeping every /a/<id> anchor so
// the monitor keeps limping along until the selectors are updated.
func ParseEntries(html, baseURL string) ([]*activity.RawEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	items := doc.Find("ul.activities li.activity-item")
	if items.Length() == 0 {
		items = doc.Find("li.activity-item")
	}

	var entries []*activity.RawEntry
	seen := make(map[string]bool)

	items.Each(func(_ int, item *goquery.Selection) {
		link := entryLink(item)
		if link == nil {
			return
		}

		href, _ := link.Attr("href")
		id := ExtractActivityID(href)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true

		entry := &activity.RawEntry{
			ID:       id,
			URL:      resolveURL(baseURL, href),
			TimeText: strings.TrimSpace(link.Text()),
			Content:  strings.TrimSpace(item.Find("div.activity-content").First().Text()),
			Location: strings.TrimSpace(item.Find("span.location").First().Text()),
		}

		userLink := item.Find("a.user-link").First()
		if userLink.Length() > 0 {
			entry.AuthorName = strings.TrimSpace(userLink.Find("strong").First().Text())
			entry.AuthorUsername = strings.TrimSpace(userLink.Find("span.username").First().Text())
		}

		entries = append(entries, entry)
	})

	if len(entries) > 0 {
		return entries, nil
	}

	// Structural-change fallback: any /a/<id> anchor on the page.
	doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		id := ExtractActivityID(href)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		entries = append(entries, &activity.RawEntry{
			ID:  id,
			URL: resolveURL(baseURL, href),
		})
	})

	if len(entries) == 0 {
		return nil, errors.New("no activity entries found (page structure may have changed)")
	}
	return entries, nil
}

// entryLink finds the anchor carrying the activity id: a.time-link when it
// points at an activity, otherwise the first matching anchor in the item.
func entryLink(item *goquery.Selection) *goquery.Selection {
	timeLink := item.Find("a.time-link").First()
	if timeLink.Length() > 0 {
		if href, ok := timeLink.Attr("href"); ok && ExtractActivityID(href) != "" {
			return timeLink
		}
	}

	var found *goquery.Selection
	item.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if href, ok := link.Attr("href"); ok && ExtractActivityID(href) != "" {
			found = link
			return false
		}
		return true
	})
	return found
}

func resolveURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
