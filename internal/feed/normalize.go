package feed

import (
	"encoding/hex"
	"errors"
	"html"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/zeebo/blake3"
)

const (
	// MaxTextRunes bounds the body text handed to the judgment client.
	MaxTextRunes = 4000

	idHexLen = 32
)

// ErrMalformedEntry is returned when an entry has neither a link nor a guid.
var ErrMalformedEntry = errors.New("malformed entry")

// tracking parameters removed from canonical links
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
}

// Normalize converts a raw entry into its canonical form. The id is derived
// from the canonical link when present, else from the guid, so re-reading
// the same item always produces the same id even if its title is edited.
func Normalize(e Entry) (*NormalizedEntry, error) {
	link := CanonicalURL(e.Link)
	guid := strings.TrimSpace(e.GUID)

	var id string
	switch {
	case link != "":
		id = hashID("link:" + link)
	case guid != "":
		id = hashID("guid:" + guid)
	default:
		return nil, ErrMalformedEntry
	}

	title := collapseSpace(html.UnescapeString(strings.TrimSpace(e.Title)))

	body := e.Content
	if strings.TrimSpace(body) == "" {
		body = e.Summary
	}

	return &NormalizedEntry{
		ID:        id,
		GUID:      guid,
		Title:     title,
		TitleKey:  TitleKey(title),
		Link:      link,
		Published: e.Timestamp().UTC(),
		Text:      truncateRunes(CleanText(body), MaxTextRunes),
		Feed:      e.Feed,
	}, nil
}

// LinkID returns the id Normalize assigns to an entry with this link, or ""
// for a blank link.
func LinkID(link string) string {
	c := CanonicalURL(link)
	if c == "" {
		return ""
	}
	return hashID("link:" + c)
}

func hashID(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:idHexLen]
}

// CanonicalURL normalizes a link so the same article reached through
// tracking or mobile variants maps to one string. It returns "" for blank
// input and a trimmed lowercase string when the link does not parse.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}

	host := strings.ToLower(u.Host)
	for _, prefix := range []string{"www.m.", "m.", "mobile."} {
		if strings.HasPrefix(host, prefix) {
			if prefix == "www.m." {
				host = "www." + strings.TrimPrefix(host, prefix)
			} else {
				host = strings.TrimPrefix(host, prefix)
			}
			break
		}
	}

	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") || trackingParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if len(keys) > 0 {
		b.WriteByte('?')
		for i, k := range keys {
			vals := append([]string(nil), q[k]...)
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}

	return b.String()
}

// TitleKey reduces a title to lowercase letters and digits, used to spot the
// same story published under different links.
func TitleKey(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CleanText strips markup from an RSS summary and collapses whitespace.
func CleanText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if !strings.ContainsAny(s, "<&") {
		return collapseSpace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapseSpace(html.UnescapeString(s))
	}
	doc.Find("script, style, iframe, noscript").Remove()
	doc.Find("br, p, div, li").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})

	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
