package trackfilter

import (
	"fmt"
	"io"

	"github.com/d--j/go-milter/milterutil"
	"github.com/d--j/tracking-milter/internal/mimetree"
	"github.com/d--j/tracking-milter/internal/scratch"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/transform"
)

const scratchPattern = "tracking-milter-*"

// Modifier is the part of [*milter.Modifier] a [Session] uses to send a rewritten message back to the MTA.
type Modifier interface {
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
	ReplaceBody(r io.Reader) error
}

// Session handles the SMTP transactions of one milter connection, one after the other.
//
// The MTA drives it with Begin, Recipient, Header, EndOfHeaders, Body and EndOfMessage.
// Abort and Close can be called at any time and release all resources of the current transaction.
type Session struct {
	settings *settings
	log      *zap.Logger

	id       string
	queueID  string
	from     string
	rcpts    []string
	matched  bool
	bodySize int64
	state    State
	buf      *scratch.Buffer
	inFlight bool
}

// NewSession creates a standalone [Session] configured by opts.
// [WithTrackingURL] is required.
func NewSession(opts ...Option) (*Session, error) {
	s, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSession(s), nil
}

func newSession(s *settings) *Session {
	return &Session{settings: s, log: s.logger}
}

// ID returns the identifier of the current transaction, "" before the first [Session.Begin].
func (s *Session) ID() string {
	return s.id
}

// State returns the current [State].
func (s *Session) State() State {
	return s.state
}

// From returns the envelope sender of the current transaction.
func (s *Session) From() string {
	return s.from
}

// Recipients returns the envelope recipients seen so far.
func (s *Session) Recipients() []string {
	return s.rcpts
}

// Matched reports whether one of the recipients is a tracked address.
func (s *Session) Matched() bool {
	return s.matched
}

// BodySize returns the number of body bytes captured so far.
func (s *Session) BodySize() int64 {
	return s.bodySize
}

// SetQueueID records the queue ID the MTA assigned to the current transaction. Empty values are ignored.
func (s *Session) SetQueueID(queueID string) {
	if queueID == "" || queueID == s.queueID {
		return
	}
	s.queueID = queueID
	s.log = s.log.With(zap.String("queue_id", queueID))
}

func (s *Session) newBuffer() *scratch.Buffer {
	opts := []scratch.Option{scratch.WithPattern(scratchPattern)}
	if s.settings.createFunc != nil {
		opts = append(opts, scratch.WithCreateFunc(s.settings.createFunc))
	}
	return scratch.New(s.settings.scratchDir, opts...)
}

// Begin starts a new transaction with the envelope sender from.
// Resources of a previous transaction that was not finished get released.
func (s *Session) Begin(from string) Verdict {
	s.release()
	s.id = uuid.NewString()
	s.queueID = ""
	s.from = from
	s.rcpts = nil
	s.matched = false
	s.bodySize = 0
	s.buf = s.newBuffer()
	s.inFlight = true
	s.settings.active.Add(1)
	s.state = StateCapturingHeaders
	s.log = s.settings.logger.With(zap.String("session", s.id))
	s.log.Info("mail from", zap.String("from", from))
	return VerdictContinue
}

// Recipient records an envelope recipient and checks it against the tracked addresses.
// It never stops the transaction.
func (s *Session) Recipient(to string) Verdict {
	s.rcpts = append(s.rcpts, to)
	if s.settings.matcher.Match(to) {
		s.matched = true
		s.log.Info("tracked recipient", zap.String("rcpt", to))
	}
	return VerdictContinue
}

// Header appends one header field to the captured message.
func (s *Session) Header(name, value string) Verdict {
	if s.buf == nil {
		s.log.Error("header outside of a transaction", zap.String("name", name))
		return VerdictTempFail
	}
	if _, err := s.buf.WriteString(name + ": " + value + "\n"); err != nil {
		return s.storageFailure("header", err)
	}
	return VerdictContinue
}

// EndOfHeaders terminates the header section and moves the captured data into a temporary file.
func (s *Session) EndOfHeaders() Verdict {
	if s.buf == nil {
		s.log.Error("end of headers outside of a transaction")
		return VerdictTempFail
	}
	if _, err := s.buf.WriteString("\n"); err != nil {
		return s.storageFailure("end of headers", err)
	}
	if err := s.buf.Promote(); err != nil {
		return s.storageFailure("end of headers", err)
	}
	s.state = StateCapturingBody
	s.log.Debug("headers captured", zap.String("file", s.buf.Path()), zap.Int64("size", s.buf.Len()))
	return VerdictContinue
}

// Body appends a body chunk to the temporary file.
func (s *Session) Body(chunk []byte) Verdict {
	if s.buf == nil {
		s.log.Error("body outside of a transaction")
		return VerdictTempFail
	}
	if s.state == StateCapturingHeaders {
		// the MTA did not send an end of headers event
		if v := s.EndOfHeaders(); v != VerdictContinue {
			return v
		}
	}
	n, err := s.buf.Write(chunk)
	s.bodySize += int64(n)
	if err != nil {
		return s.storageFailure("body", err)
	}
	return VerdictContinue
}

func (s *Session) storageFailure(step string, err error) Verdict {
	s.log.Error("cannot store message", zap.String("step", step), zap.Error(err))
	s.settings.metrics.StorageError()
	s.finish(VerdictTempFail)
	return VerdictTempFail
}

// EndOfMessage parses the captured message and adds tracking to its first HTML part.
// When a part was changed the modifications get sent with m and [VerdictAcceptModified] is returned.
//
// Problems with the message itself never block it: the message is accepted unmodified instead.
// The returned error is only non-nil when sending the modifications to the MTA failed.
func (s *Session) EndOfMessage(m Modifier) (Verdict, error) {
	if s.buf == nil {
		s.log.Warn("end of message outside of a transaction")
		return VerdictAccept, nil
	}
	s.state = StateFinalizing
	if s.settings.recipientGate && !s.matched {
		s.log.Info("no tracked recipient, message not modified")
		return s.finish(VerdictAccept), nil
	}

	root, err := s.parse()
	if err != nil {
		return s.failOpen("cannot parse message", err), nil
	}
	before := root.Header.Copy()
	changed, err := s.addTracking(root)
	if err != nil {
		return s.failOpen("cannot add tracking", err), nil
	}
	if !changed {
		s.log.Info("no parts modified")
		return s.finish(VerdictAccept), nil
	}

	out := s.newBuffer()
	defer func() {
		if err := out.Close(); err != nil {
			s.log.Warn("cannot remove temporary file", zap.Error(err))
		}
	}()
	if err := s.serialize(root, out); err != nil {
		return s.failOpen("cannot serialize message", err), nil
	}
	if err := s.send(m, before, root, out); err != nil {
		s.log.Error("cannot send modifications to MTA", zap.Error(err))
		return s.finish(VerdictTempFail), err
	}
	return s.finish(VerdictAcceptModified), nil
}

func (s *Session) parse() (*mimetree.Part, error) {
	r, err := s.buf.Reader()
	if err != nil {
		return nil, err
	}
	return mimetree.Parse(r)
}

func (s *Session) addTracking(root *mimetree.Part) (bool, error) {
	return root.WalkFirst(func(p *mimetree.Part) (bool, error) {
		s.log.Debug("part", zap.String("type", p.ContentType()))
		if !p.IsHTML() {
			return false, nil
		}
		text, err := p.Text()
		if err != nil {
			return false, err
		}
		result := s.settings.rewriter.Rewrite(text)
		if !result.Changed {
			return false, nil
		}
		s.log.Debug("rewrite", zap.String("before", text), zap.String("after", result.Text))
		if err := p.SetHTML(result.Text); err != nil {
			return false, err
		}
		s.log.Info("added tracking", zap.Int("anchors", result.Anchors))
		s.settings.metrics.Rewrite(result.Anchors)
		return true, nil
	})
}

func (s *Session) serialize(root *mimetree.Part, out *scratch.Buffer) error {
	if err := out.Promote(); err != nil {
		return err
	}
	return root.SerializeBody(out)
}

// send updates the top level MIME header fields (they only change when the message itself is
// the HTML part) and replaces the body with the CRLF canonicalized contents of out.
func (s *Session) send(m Modifier, before textproto.Header, root *mimetree.Part, out *scratch.Buffer) error {
	for _, op := range mimetree.HeaderDiff(before, root.Header, "Content-Type", "Content-Transfer-Encoding") {
		var err error
		if op.Index == 0 {
			err = m.AddHeader(op.Name, op.Value)
		} else {
			err = m.ChangeHeader(op.Index, op.Name, op.Value)
		}
		if err != nil {
			return err
		}
	}
	r, err := out.Reader()
	if err != nil {
		return err
	}
	s.log.Debug("replace body", zap.Int64("size", out.Len()))
	return m.ReplaceBody(transform.NewReader(r, &milterutil.CrLfCanonicalizationTransformer{}))
}

func (s *Session) failOpen(msg string, err error) Verdict {
	s.log.Warn(msg+", message not modified", zap.Error(err))
	s.settings.metrics.ParseError()
	return s.finish(VerdictAccept)
}

// finish ends the current transaction with verdict v.
func (s *Session) finish(v Verdict) Verdict {
	var size int64
	if s.buf != nil {
		size = s.buf.Len()
	}
	s.log.Info("verdict", zap.Stringer("verdict", v), zap.Int64("size", size))
	s.settings.metrics.Transaction(v.String(), size)
	s.release()
	s.state = StateIdle
	return v
}

// Abort releases the resources of the current transaction. It is safe to call in any state.
func (s *Session) Abort() {
	if s.buf != nil {
		s.log.Info("abort", zap.Int64("body_bytes", s.bodySize))
		s.settings.metrics.Abort()
		s.state = StateAborted
	}
	s.release()
}

// Close releases everything the Session still holds and flushes the log.
// Close is idempotent and the Session can be used for a new transaction afterwards.
func (s *Session) Close() error {
	err := s.release()
	s.state = StateIdle
	_ = s.log.Sync()
	return err
}

func (s *Session) release() error {
	if s.inFlight {
		s.inFlight = false
		s.settings.active.Add(-1)
	}
	if s.buf == nil {
		return nil
	}
	err := s.buf.Close()
	s.buf = nil
	if err != nil {
		s.log.Warn("cannot release scratch buffer", zap.Error(err))
		return fmt.Errorf("release scratch buffer: %w", err)
	}
	return nil
}
