package trackfilter

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/d--j/tracking-milter/internal/metrics"
	"github.com/d--j/tracking-milter/internal/recipient"
	"github.com/d--j/tracking-milter/internal/rewrite"
	"github.com/d--j/tracking-milter/internal/scratch"
	"go.uber.org/zap"
)

type options struct {
	trackedRecipients []string
	trackingURL       string
	campaign          string
	scratchDir        string
	recipientGate     bool
	timeout           time.Duration
	logger            *zap.Logger
	metrics           *metrics.Metrics
	now               func() time.Time
	createFunc        scratch.CreateFunc
}

type Option func(opt *options)

// WithTrackedRecipients sets the recipient addresses whose mail should get tracking.
// A recipient matches when one of the addresses is a substring of it (case-sensitive).
func WithTrackedRecipients(addrs ...string) Option {
	return func(opt *options) {
		opt.trackedRecipients = append(opt.trackedRecipients, addrs...)
	}
}

// WithTrackingURL sets the absolute URL of the Matomo tracking endpoint used for the tracking pixel,
// e.g. https://example.com/matomo.php?idsite=1. This option is required.
func WithTrackingURL(trackingURL string) Option {
	return func(opt *options) {
		opt.trackingURL = trackingURL
	}
}

// WithCampaign sets the campaign name prefix. The default is "newsletter".
func WithCampaign(campaign string) Option {
	return func(opt *options) {
		opt.campaign = campaign
	}
}

// WithScratchDir sets the directory for the temporary files that hold messages while they get filtered.
// The default is [os.TempDir].
func WithScratchDir(dir string) Option {
	return func(opt *options) {
		opt.scratchDir = dir
	}
}

// WithRecipientGate configures whether messages without any tracked recipient are passed without
// parsing them. The default is false: every message gets tracking regardless of its recipients.
func WithRecipientGate(enabled bool) Option {
	return func(opt *options) {
		opt.recipientGate = enabled
	}
}

// WithTimeout sets the read and write timeout of the milter connection. The default is 240 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(opt *options) {
		opt.timeout = timeout
	}
}

// WithLogger sets the logger. The default discards all log output.
func WithLogger(logger *zap.Logger) Option {
	return func(opt *options) {
		opt.logger = logger
	}
}

// WithMetrics sets the collectors sessions report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(opt *options) {
		opt.metrics = m
	}
}

// WithClock sets the function that returns the current time used for campaign names.
func WithClock(now func() time.Time) Option {
	return func(opt *options) {
		opt.now = now
	}
}

func withCreateFunc(create scratch.CreateFunc) Option {
	return func(opt *options) {
		opt.createFunc = create
	}
}

// settings are the resolved options shared by all sessions of a filter.
type settings struct {
	options
	matcher  *recipient.Matcher
	rewriter *rewrite.Rewriter
	// active counts the transactions in flight over all sessions.
	active atomic.Int64
}

func resolveOptions(opts []Option) (*settings, error) {
	resolved := options{
		timeout: 240 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(&resolved)
		}
	}
	if resolved.trackingURL == "" {
		return nil, fmt.Errorf("the parameter trackingURL of WithTrackingURL must be set")
	}
	u, err := url.Parse(resolved.trackingURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("the parameter trackingURL of WithTrackingURL must be an absolute URL")
	}
	if resolved.timeout <= 0 {
		return nil, fmt.Errorf("the parameter timeout of WithTimeout must be positive")
	}
	if resolved.logger == nil {
		resolved.logger = zap.NewNop()
	}
	return &settings{
		options: resolved,
		matcher: recipient.New(resolved.trackedRecipients),
		rewriter: &rewrite.Rewriter{
			TrackingURL: resolved.trackingURL,
			Campaign:    resolved.campaign,
			Now:         resolved.now,
		},
	}, nil
}
