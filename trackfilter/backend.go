package trackfilter

import (
	"github.com/d--j/go-milter"
	"go.uber.org/zap"
)

// backend maps the go-milter callbacks onto a [Session].
type backend struct {
	session *Session
}

func (b *backend) Connect(_ string, _ string, _ uint16, _ string, _ *milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) Helo(_ string, _ *milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) MailFrom(from string, _ string, m *milter.Modifier) (*milter.Response, error) {
	resp := b.session.Begin(from).Response()
	b.session.SetQueueID(m.Macros.Get(milter.MacroQueueId))
	return resp, nil
}

func (b *backend) RcptTo(rcptTo string, _ string, _ *milter.Modifier) (*milter.Response, error) {
	return b.session.Recipient(rcptTo).Response(), nil
}

func (b *backend) Data(m *milter.Modifier) (*milter.Response, error) {
	b.session.SetQueueID(m.Macros.Get(milter.MacroQueueId))
	return milter.RespContinue, nil
}

func (b *backend) Header(name string, value string, _ *milter.Modifier) (*milter.Response, error) {
	return b.session.Header(name, value).Response(), nil
}

func (b *backend) Headers(_ *milter.Modifier) (*milter.Response, error) {
	return b.session.EndOfHeaders().Response(), nil
}

func (b *backend) BodyChunk(chunk []byte, _ *milter.Modifier) (*milter.Response, error) {
	return b.session.Body(chunk).Response(), nil
}

func (b *backend) EndOfMessage(m *milter.Modifier) (*milter.Response, error) {
	b.session.SetQueueID(m.Macros.Get(milter.MacroQueueId))
	verdict, err := b.session.EndOfMessage(m)
	return verdict.Response(), err
}

func (b *backend) Abort(_ *milter.Modifier) error {
	b.session.Abort()
	return nil
}

func (b *backend) Unknown(_ string, _ *milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) Cleanup() {
	if err := b.session.Close(); err != nil {
		b.session.log.Warn("cleanup", zap.Error(err))
	}
}

var _ milter.Milter = &backend{}
