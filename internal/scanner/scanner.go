// Package scanner classifies requests that look automated: mail security
// scanners, link unfurlers, headless browsers and scripts.
//
// Classification is advisory. It feeds logs and metrics only; the preview
// page is served the same way to every client because the handshake itself
// keeps scanners from redeeming.
package scanner

import (
	"net/http"
	"strings"
)

// Class is the coarse category of a client.
type Class string

const (
	ClassUnknown         Class = "unknown"
	ClassSecurityScanner Class = "security_scanner"
	ClassLinkPreview     Class = "link_preview"
	ClassHeadless        Class = "headless"
	ClassScript          Class = "script"
	ClassCrawler         Class = "crawler"
	ClassPrefetch        Class = "prefetch"
)

// Verdict is the result of Classify.
type Verdict struct {
	Class Class
	// Match is the user-agent keyword or header that decided the class.
	Match string
	// Signals lists weaker hints that do not change the class.
	Signals []string
}

// Automated reports whether the verdict names a non-human client.
func (v Verdict) Automated() bool {
	return v.Class != ClassUnknown
}

type rule struct {
	keyword string
	class   Class
}

// Order matters: vendor names are checked before generic words like "bot".
var rules = []rule{
	{"barracuda", ClassSecurityScanner},
	{"mimecast", ClassSecurityScanner},
	{"proofpoint", ClassSecurityScanner},
	{"urldefense", ClassSecurityScanner},
	{"safelinks", ClassSecurityScanner},
	{"forcepoint", ClassSecurityScanner},
	{"trendmicro", ClassSecurityScanner},
	{"symantec", ClassSecurityScanner},
	{"ms-office", ClassSecurityScanner},
	{"microsoft office", ClassSecurityScanner},
	{"slackbot", ClassLinkPreview},
	{"facebookexternalhit", ClassLinkPreview},
	{"twitterbot", ClassLinkPreview},
	{"linkedinbot", ClassLinkPreview},
	{"discordbot", ClassLinkPreview},
	{"telegrambot", ClassLinkPreview},
	{"whatsapp", ClassLinkPreview},
	{"skypeuripreview", ClassLinkPreview},
	{"headlesschrome", ClassHeadless},
	{"phantomjs", ClassHeadless},
	{"puppeteer", ClassHeadless},
	{"playwright", ClassHeadless},
	{"curl/", ClassScript},
	{"wget/", ClassScript},
	{"python-requests", ClassScript},
	{"python-urllib", ClassScript},
	{"go-http-client", ClassScript},
	{"okhttp", ClassScript},
	{"java/", ClassScript},
	{"libwww-perl", ClassScript},
	{"googlebot", ClassCrawler},
	{"bingbot", ClassCrawler},
	{"crawler", ClassCrawler},
	{"spider", ClassCrawler},
	{"bot", ClassCrawler},
}

// Classify inspects the user agent and request headers.
func Classify(userAgent string, h http.Header) Verdict {
	ua := strings.ToLower(strings.TrimSpace(userAgent))

	var signals []string
	if h.Get("Accept-Language") == "" {
		signals = append(signals, "no_accept_language")
	}
	if h.Get("Sec-Fetch-Mode") == "" {
		signals = append(signals, "no_fetch_metadata")
	}

	if ua == "" {
		return Verdict{Class: ClassScript, Match: "empty_user_agent", Signals: signals}
	}
	for _, r := range rules {
		if strings.Contains(ua, r.keyword) {
			return Verdict{Class: r.class, Match: r.keyword, Signals: signals}
		}
	}
	for _, name := range []string{"Purpose", "Sec-Purpose", "X-Moz"} {
		if v := strings.ToLower(h.Get(name)); strings.Contains(v, "prefetch") || strings.Contains(v, "preview") {
			return Verdict{Class: ClassPrefetch, Match: name, Signals: signals}
		}
	}
	return Verdict{Class: ClassUnknown, Signals: signals}
}

// ClassifyRequest classifies r.
func ClassifyRequest(r *http.Request) Verdict {
	return Classify(r.UserAgent(), r.Header)
}
