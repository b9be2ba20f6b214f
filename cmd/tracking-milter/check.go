package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/d--j/go-milter"
	"github.com/d--j/go-milter/milterutil"
	"github.com/d--j/tracking-milter/internal/config"
	"github.com/emersion/go-message/textproto"
	"github.com/urfave/cli/v2"
	"golang.org/x/text/transform"
)

func newCheckCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "send a message to a running tracking milter and print the result",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Value: config.DefaultSocket, Usage: "milter `SOCKET` to connect to"},
			&cli.StringFlag{Name: "hostname", Value: "localhost", Usage: "host name to send in CONNECT message"},
			&cli.StringFlag{Name: "family", Value: string(milter.FamilyInet), Usage: "protocol family to send in CONNECT message"},
			&cli.UintFlag{Name: "port", Value: 2525, Usage: "port to send in CONNECT message"},
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1", Usage: "connection address to send in CONNECT message"},
			&cli.StringFlag{Name: "helo", Value: "localhost", Usage: "value to send in HELO message"},
			&cli.StringFlag{Name: "from", Value: "<newsletter@example.com>", Usage: "envelope sender"},
			&cli.StringSliceFlag{Name: "rcpt", Value: cli.NewStringSlice("<list@example.com>"), Usage: "envelope recipient (can be repeated)"},
			&cli.StringFlag{Name: "queue-id", Value: "CHECK", Usage: "queue ID macro sent at end of message"},
		},
		Action: check,
	}
}

type step struct {
	name string
	send func() (*milter.Action, error)
}

func check(c *cli.Context) error {
	in := io.Reader(os.Stdin)
	if c.Args().Present() {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	network, address, err := config.ParseSocket(c.String("socket"))
	if err != nil {
		return err
	}

	bufR := bufio.NewReader(transform.NewReader(in, &milterutil.CrLfCanonicalizationTransformer{}))
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		return fmt.Errorf("header parse: %w", err)
	}
	body, err := io.ReadAll(bufR)
	if err != nil {
		return err
	}

	macros := milter.NewMacroBag()
	macros.Set(milter.MacroQueueId, c.String("queue-id"))
	client := milter.NewClient(network, address)
	s, err := client.Session(macros)
	if err != nil {
		return err
	}
	defer func(s *milter.ClientSession) {
		_ = s.Close()
	}(s)

	family := c.String("family")
	if family == "" {
		return fmt.Errorf("empty protocol family")
	}
	steps := []step{
		{"CONNECT", func() (*milter.Action, error) {
			return s.Conn(c.String("hostname"), milter.ProtoFamily(family[0]), uint16(c.Uint("port")), c.String("addr"))
		}},
		{"HELO", func() (*milter.Action, error) { return s.Helo(c.String("helo")) }},
		{"MAIL", func() (*milter.Action, error) { return s.Mail(c.String("from"), "") }},
	}
	for _, rcpt := range c.StringSlice("rcpt") {
		steps = append(steps, step{"RCPT", func() (*milter.Action, error) { return s.Rcpt(rcpt, "") }})
	}
	steps = append(steps,
		step{"DATA", s.DataStart},
		step{"HEADER", func() (*milter.Action, error) { return s.Header(hdr) }},
	)
	for _, step := range steps {
		act, err := step.send()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if act.Type != milter.ActionContinue {
			return fmt.Errorf("%s: milter answered %s", step.name, describeAction(act))
		}
	}

	modifyActs, act, err := s.BodyReadFrom(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("EOB: %w", err)
	}
	fmt.Fprintln(c.App.ErrWriter, "EOB:", describeAction(act))
	if act.Type != milter.ActionAccept && act.Type != milter.ActionContinue {
		return nil
	}
	return writeModified(c.App.Writer, hdr, body, modifyActs)
}

func describeAction(act *milter.Action) string {
	switch act.Type {
	case milter.ActionAccept:
		return "accept"
	case milter.ActionReject:
		return "reject"
	case milter.ActionDiscard:
		return "discard"
	case milter.ActionTempFail:
		return "temp. fail"
	case milter.ActionRejectWithCode:
		return fmt.Sprintf("reply code: %d %s", act.SMTPCode, act.SMTPReply)
	case milter.ActionContinue:
		return "continue"
	case milter.ActionSkip:
		return "skip"
	}
	return fmt.Sprintf("unknown action %d", act.Type)
}

type field struct {
	key, value string
}

// writeModified writes the message hdr and body after applying the header and body modifications in acts.
func writeModified(w io.Writer, hdr textproto.Header, body []byte, acts []milter.ModifyAction) error {
	var fields []field
	all := hdr.Fields()
	for all.Next() {
		fields = append(fields, field{all.Key(), all.Value()})
	}
	var newBody []byte
	replaced := false
	for _, act := range acts {
		switch act.Type {
		case milter.ActionAddHeader:
			fields = append(fields, field{act.HeaderName, act.HeaderValue})
		case milter.ActionInsertHeader:
			i := min(max(int(act.HeaderIndex), 0), len(fields))
			fields = append(fields[:i], append([]field{{act.HeaderName, act.HeaderValue}}, fields[i:]...)...)
		case milter.ActionChangeHeader:
			fields = changeField(fields, act.HeaderName, int(act.HeaderIndex), act.HeaderValue)
		case milter.ActionReplaceBody:
			replaced = true
			newBody = append(newBody, act.Body...)
		}
	}
	if replaced {
		body = newBody
	}

	// textproto.Header.Add prepends
	var out textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		out.Add(fields[i].key, fields[i].value)
	}
	if err := textproto.WriteHeader(w, out); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// changeField changes the index-th (1-based) field named name. An empty value deletes it.
func changeField(fields []field, name string, index int, value string) []field {
	n := 0
	for i, f := range fields {
		if !strings.EqualFold(f.key, name) {
			continue
		}
		n++
		if n != index {
			continue
		}
		if value == "" {
			return append(fields[:i], fields[i+1:]...)
		}
		fields[i].value = value
		return fields
	}
	if value != "" {
		fields = append(fields, field{name, value})
	}
	return fields
}
