// Package rewrite decorates HTML with Matomo (Piwik) campaign tracking.
//
// Every anchor gets a pk_campaign/pk_kwd fragment appended to its href and a 1x1 tracking
// pixel is appended to the document.
package rewrite

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the date format used in campaign names, e.g. 2024-Jan-05.
const DateLayout = "2006-Jan-02"

// DefaultCampaign is the campaign name prefix used when [Rewriter.Campaign] is empty.
const DefaultCampaign = "newsletter"

var (
	anchorRe = regexp.MustCompile(`(?is)<(a[^>]+href)="([^"]+)"([^>]*)>(.*?)</(a)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[\s&]+`)
	imgRe    = regexp.MustCompile(`(?i)<img`)
)

// Result is the outcome of one [Rewriter.Rewrite] call.
type Result struct {
	Text    string
	Changed bool
	// Anchors is the number of decorated anchors.
	Anchors int
}

// Rewriter adds tracking to HTML text. The zero value is not usable: TrackingURL must be set.
type Rewriter struct {
	// TrackingURL is the absolute URL of the Matomo tracking script, e.g. https://example.com/matomo.php?idsite=1
	TrackingURL string
	// Campaign is the campaign name prefix. Defaults to [DefaultCampaign].
	Campaign string
	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

func (r *Rewriter) date() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().Format(DateLayout)
}

func (r *Rewriter) campaign() string {
	if r.Campaign == "" {
		return DefaultCampaign
	}
	return r.Campaign
}

// Keyword derives the pk_kwd value of an anchor from its label.
// imageNo is used when the label contains an image.
func Keyword(label string, imageNo int) (keyword string, isImage bool) {
	if imgRe.MatchString(label) {
		return "image " + strconv.Itoa(imageNo), true
	}
	keyword = tagRe.ReplaceAllString(label, "")
	return spaceRe.ReplaceAllString(keyword, " "), false
}

// Rewrite decorates all anchors in html and appends the tracking pixel.
// It never fails. Calling it twice on the same text adds two pixels.
func (r *Rewriter) Rewrite(html string) Result {
	date := r.date()
	fragment := "#pk_campaign=" + r.campaign() + date + "&pk_kwd="

	var out strings.Builder
	out.Grow(len(html) + 256)

	imageNo := 1
	anchors := 0
	last := 0
	for _, m := range anchorRe.FindAllStringSubmatchIndex(html, -1) {
		// m holds start/end pairs: whole match, then groups 1 to 5
		tag, href, rest := html[m[2]:m[3]], html[m[4]:m[5]], html[m[6]:m[7]]
		label, closing := html[m[8]:m[9]], html[m[10]:m[11]]

		keyword, isImage := Keyword(label, imageNo)
		if isImage {
			imageNo++
		}

		out.WriteString(html[last:m[0]])
		out.WriteString("<" + tag + `="` + href + fragment + url.QueryEscape(keyword) + `"` + rest + ">")
		out.WriteString(label)
		out.WriteString("</" + closing + ">")
		last = m[1]
		anchors++
	}
	out.WriteString(html[last:])
	out.WriteString(r.Pixel(date))

	return Result{Text: out.String(), Changed: true, Anchors: anchors}
}

// Pixel returns the tracking image tag for date (formatted with [DateLayout]).
func (r *Rewriter) Pixel(date string) string {
	sep := "&amp;"
	if !strings.Contains(r.TrackingURL, "?") {
		sep = "?"
	}
	return `<img src="` + r.TrackingURL + sep +
		"rec=1&amp;bots=1&amp;action_name=newsletter-open&amp;e_c=newsletter&amp;e_a=open&amp;e_n=newsletter-" + date +
		`" height="1" width="1">`
}
