package feed

import (
	"regexp"
	"strings"
)

// SimilarTitleThreshold is the keyword Jaccard similarity at or above which
// two titles are treated as the same story.
const SimilarTitleThreshold = 0.4

var (
	hangulRe  = regexp.MustCompile(`\p{Hangul}+`)
	latinRe   = regexp.MustCompile(`[A-Za-z]{2,}`)
	digitRe   = regexp.MustCompile(`[0-9]+`)
	capitalRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:[- ][A-Z][a-z]+)*\b`)
	hangul2Re = regexp.MustCompile(`\p{Hangul}{2,}`)
)

// knownProducts are vendor and product names matched with optional space or
// hyphen separators, so "TP Link" and "tp-link" name the same product.
var knownProducts = compileProducts(
	"tp-link", "airoha", "adobe", "fortigate", "fortinet", "windows", "office",
	"microsoft", "cisco", "vmware", "trend micro", "hpe", "mongodb", "n8n",
	"telegram", "facebook", "instagram", "linkedin", "gemini", "google",
	"slack", "zoom", "ivanti", "citrix", "palo alto", "sonicwall", "chrome",
)

// genericWords never identify a product on their own.
var genericWords = map[string]bool{
	"제품": true, "보안": true, "업데이트": true, "권고": true, "취약점": true,
	"패치": true, "발견": true, "수정": true, "발표": true, "공개": true,
	"security": true, "update": true, "updates": true, "patch": true,
	"patches": true, "vulnerability": true, "vulnerabilities": true,
	"critical": true, "flaw": true, "flaws": true, "new": true, "the": true,
	"hackers": true, "attack": true, "attacks": true, "exploited": true,
}

type product struct {
	name string
	re   *regexp.Regexp
}

func compileProducts(names ...string) []product {
	out := make([]product, 0, len(names))
	for _, n := range names {
		pat := regexp.QuoteMeta(n)
		pat = strings.NewReplacer(" ", `[\s-]?`, "-", `[\s-]?`).Replace(pat)
		out = append(out, product{name: squash(n), re: regexp.MustCompile(`(?i)` + pat)})
	}
	return out
}

func squash(s string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "-", "").Replace(s))
}

// titleKeywords returns the Hangul words, lowercased Latin words of two or
// more letters, and digit runs of title.
func titleKeywords(title string) map[string]struct{} {
	kw := make(map[string]struct{})
	for _, w := range hangulRe.FindAllString(title, -1) {
		kw[w] = struct{}{}
	}
	for _, w := range latinRe.FindAllString(title, -1) {
		kw[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range digitRe.FindAllString(title, -1) {
		kw[w] = struct{}{}
	}
	return kw
}

// productNames returns the vendor or product names a title mentions: known
// products, capitalized words and Hangul words, minus generic vocabulary.
func productNames(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range knownProducts {
		if p.re.MatchString(title) {
			out[p.name] = struct{}{}
		}
	}
	for _, w := range capitalRe.FindAllString(title, -1) {
		if n := squash(w); len(n) >= 2 && !genericWords[n] {
			out[n] = struct{}{}
		}
	}
	for _, w := range hangul2Re.FindAllString(title, -1) {
		if !genericWords[w] {
			out[w] = struct{}{}
		}
	}
	return out
}

// TitleFingerprint holds the precomputed keyword and product sets of a
// title, for comparing one title against many.
type TitleFingerprint struct {
	title    string
	keywords map[string]struct{}
	products map[string]struct{}
}

// Fingerprint precomputes the sets SimilarTo compares.
func Fingerprint(title string) TitleFingerprint {
	return TitleFingerprint{
		title:    title,
		keywords: titleKeywords(title),
		products: productNames(title),
	}
}

// SimilarTo reports whether two titles likely describe the same story.
// Titles naming disjoint products are never similar; otherwise their
// keyword Jaccard similarity must reach SimilarTitleThreshold.
func (f TitleFingerprint) SimilarTo(o TitleFingerprint) bool {
	if f.title == "" || o.title == "" {
		return false
	}
	if f.title == o.title {
		return true
	}
	if len(f.keywords) == 0 || len(o.keywords) == 0 {
		return false
	}
	if len(f.products) > 0 && len(o.products) > 0 && !intersects(f.products, o.products) {
		return false
	}

	inter := 0
	for k := range f.keywords {
		if _, ok := o.keywords[k]; ok {
			inter++
		}
	}
	union := len(f.keywords) + len(o.keywords) - inter
	return float64(inter)/float64(union) >= SimilarTitleThreshold
}

// SimilarTitles is Fingerprint(a).SimilarTo(Fingerprint(b)).
func SimilarTitles(a, b string) bool {
	return Fingerprint(a).SimilarTo(Fingerprint(b))
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
