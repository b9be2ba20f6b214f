package trackfilter

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/d--j/go-milter"
	"github.com/d--j/tracking-milter/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_invalid(t *testing.T) {
	if _, err := New("tcp", "127.0.0.1:0"); err == nil {
		t.Error("New() without tracking URL should fail")
	}
	if _, err := New("invalid", "x", WithTrackingURL("https://example.com/m.php")); err == nil {
		t.Error("New() with invalid network should fail")
	}
}

func TestTrackFilter(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zap.InfoLevel)
	m := metrics.New()
	f, err := New("tcp", "127.0.0.1:0",
		WithTrackingURL("https://example.com/matomo.php?idsite=1"),
		WithTrackedRecipients("list@example.com"),
		WithScratchDir(dir),
		WithTimeout(5*time.Second),
		WithLogger(zap.New(core)),
		WithMetrics(m),
		WithClock(func() time.Time {
			return time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)
		}),
	)
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, f.Addr())
	assert.Equal(t, 1, logs.FilterMessage("started milter").Len())

	client := milter.NewClient("tcp", f.Addr().String())
	macros := milter.NewMacroBag()
	macros.Set(milter.MacroQueueId, "4XyZ")
	session, err := client.Session(macros)
	require.NoError(t, err)
	defer session.Close()

	expectContinue := func(act *milter.Action, err error) {
		t.Helper()
		require.NoError(t, err)
		require.Equal(t, milter.ActionContinue, act.Type)
	}
	expectContinue(session.Conn("mta.example.com", milter.FamilyInet, 25, "127.0.0.1"))
	expectContinue(session.Helo("mta.example.com"))
	expectContinue(session.Mail("<news@example.com>", ""))
	expectContinue(session.Rcpt("<list@example.com>", ""))
	expectContinue(session.DataStart())
	expectContinue(session.HeaderField("From", "news@example.com", nil))
	expectContinue(session.HeaderField("Content-Type", "text/html; charset=utf-8", nil))
	expectContinue(session.HeaderEnd())

	mActs, act, err := session.BodyReadFrom(strings.NewReader("<a href=\"http://x.com\">Click here</a>\r\n"))
	require.NoError(t, err)
	assert.Equal(t, milter.ActionAccept, act.Type)

	var body bytes.Buffer
	var headerActs []milter.ModifyAction
	for _, a := range mActs {
		switch a.Type {
		case milter.ActionReplaceBody:
			body.Write(a.Body)
		case milter.ActionAddHeader, milter.ActionChangeHeader, milter.ActionInsertHeader:
			headerActs = append(headerActs, a)
		}
	}
	require.Len(t, headerActs, 1)
	assert.Equal(t, "Content-Transfer-Encoding", headerActs[0].HeaderName)
	assert.Equal(t, "quoted-printable", headerActs[0].HeaderValue)
	text := decodeQP(t, body.Bytes())
	assert.Contains(t, text, "#pk_campaign=newsletter2024-Jan-05&pk_kwd=Click+here")
	assert.True(t, strings.HasSuffix(text, pixel))

	require.NoError(t, session.Close())
	f.Close()
	f.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("accept_modified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rewrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anchors))
	verdicts := logs.FilterMessage("verdict").AllUntimed()
	require.Len(t, verdicts, 1)
	assert.Equal(t, "4XyZ", verdicts[0].ContextMap()["queue_id"])
	assertNoScratchFiles(t, dir)
}

func TestSession_metrics(t *testing.T) {
	m := metrics.New()
	s, _ := newTestSession(t, WithMetrics(m))

	capture(t, s, "list@example.com", []header{{"Subject", "x"}}, "plain")
	_, err := s.EndOfMessage(&fakeModifier{})
	require.NoError(t, err)

	capture(t, s, "list@example.com", []header{{"broken\nline", "x"}}, "plain")
	_, err = s.EndOfMessage(&fakeModifier{})
	require.NoError(t, err)

	capture(t, s, "list@example.com", []header{{"Subject", "x"}}, "plain")
	s.Abort()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transactions.WithLabelValues("accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Aborts))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Rewrites))
}

func TestBackend(t *testing.T) {
	s, dir := newTestSession(t)
	b := &backend{session: s}
	s.Begin("<a@example.com>")
	resp, err := b.RcptTo("<list@example.com>", "", nil)
	require.NoError(t, err)
	assert.Equal(t, milter.RespContinue, resp)
	resp, err = b.Header("Subject", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, milter.RespContinue, resp)
	resp, err = b.Headers(nil)
	require.NoError(t, err)
	assert.Equal(t, milter.RespContinue, resp)
	resp, err = b.BodyChunk([]byte("body"), nil)
	require.NoError(t, err)
	assert.Equal(t, milter.RespContinue, resp)
	require.NoError(t, b.Abort(nil))
	assertNoScratchFiles(t, dir)

	resp, err = b.Header("Subject", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, milter.RespTempFail, resp)
	b.Cleanup()
	assert.Equal(t, StateIdle, s.State())
}

func newTestFilter(t *testing.T) *TrackFilter {
	t.Helper()
	f, err := New("tcp", "127.0.0.1:0",
		WithTrackingURL("https://example.com/matomo.php?idsite=1"),
		WithScratchDir(t.TempDir()),
	)
	require.NoError(t, err)
	return f
}

func waitDone(t *testing.T, f *TrackFilter) {
	t.Helper()
	waited := make(chan struct{})
	go func() {
		f.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait() timeout")
	}
}

func TestTrackFilter_Shutdown(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := newTestFilter(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, f.Shutdown(ctx))
		waitDone(t, f)
	})
	t.Run("active", func(t *testing.T) {
		f := newTestFilter(t)
		defer f.Close()
		session, err := milter.NewClient("tcp", f.Addr().String()).Session(milter.NewMacroBag())
		require.NoError(t, err)
		defer session.Close()
		_, err = session.Conn("mta.example.com", milter.FamilyInet, 25, "127.0.0.1")
		require.NoError(t, err)
		_, err = session.Helo("mta.example.com")
		require.NoError(t, err)
		_, err = session.Mail("<news@example.com>", "")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, f.Shutdown(ctx), context.DeadlineExceeded, "transaction in flight should block a graceful shutdown")

		shutdown := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown <- f.Shutdown(ctx)
		}()
		// the connection survives the closed listener
		_, err = session.Rcpt("<list@example.com>", "")
		require.NoError(t, err)
		_, err = session.HeaderField("Subject", "x", nil)
		require.NoError(t, err)
		_, err = session.HeaderEnd()
		require.NoError(t, err)
		_, act, err := session.BodyReadFrom(strings.NewReader("plain\r\n"))
		require.NoError(t, err)
		assert.Equal(t, milter.ActionAccept, act.Type)
		assert.NoError(t, <-shutdown)
		waitDone(t, f)
	})
}

func TestSession_inFlight(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, int64(0), s.settings.active.Load())
	s.Begin("<a@example.com>")
	s.Begin("<b@example.com>")
	assert.Equal(t, int64(1), s.settings.active.Load(), "restarted transaction must count once")
	s.Abort()
	assert.Equal(t, int64(0), s.settings.active.Load())

	capture(t, s, "list@example.com", []header{{"Subject", "x"}}, "plain")
	assert.Equal(t, int64(1), s.settings.active.Load())
	_, err := s.EndOfMessage(&fakeModifier{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.settings.active.Load())
	require.NoError(t, s.Close())
	assert.Equal(t, int64(0), s.settings.active.Load())
}
