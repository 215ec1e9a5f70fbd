package wire

// Package wire implements the message a slave sends its master:
//
//	<jobId>:<relPath>:<category>:<briefText>:<freeTextLength>\n<freeText>
//
// followed by the slave closing its write side. The category field carries
// a terminal category for complete states and a phase name otherwise.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/perfgo/texttest/model"
)

// MaxFreeText is the longest free text a message may carry.
const MaxFreeText = 16 << 20

// maxHeader bounds the header line.
const maxHeader = 64 << 10

// Message is one state report.
type Message struct {
	JobID     string
	RelPath   string
	Category  string
	BriefText string
	FreeText  string
}

// Complete reports whether the message carries a terminal category.
func (m Message) Complete() bool {
	return model.Category(m.Category).Valid()
}

// FromState builds the message for s.
func FromState(jobID, relPath string, s *model.TestState) Message {
	m := Message{JobID: jobID, RelPath: relPath, BriefText: s.BriefText, FreeText: s.FreeText}
	if s.IsComplete() {
		m.Category = string(s.Category)
	} else {
		m.Category = string(s.Phase)
	}
	return m
}

// State rebuilds the abbreviated state a message describes.
func (m Message) State() *model.TestState {
	s := &model.TestState{BriefText: m.BriefText, FreeText: m.FreeText, LifecycleChange: "reported"}
	if m.Complete() {
		s.Phase = model.PhaseComplete
		s.Category = model.Category(m.Category)
	} else {
		s.Phase = model.Phase(m.Category)
	}
	return s
}

// Encode writes m to w. Newlines in the brief text become spaces and the
// identifying fields may not contain a colon.
func Encode(w io.Writer, m Message) error {
	for name, v := range map[string]string{"job id": m.JobID, "category": m.Category} {
		if strings.ContainsAny(v, ":\n") {
			return fmt.Errorf("%w: %s %q contains a separator", model.ErrProtocol, name, v)
		}
	}
	if strings.Contains(m.RelPath, "\n") {
		return fmt.Errorf("%w: test path %q contains a newline", model.ErrProtocol, m.RelPath)
	}
	if len(m.FreeText) > MaxFreeText {
		return fmt.Errorf("%w: free text of %d bytes exceeds %d", model.ErrProtocol, len(m.FreeText), MaxFreeText)
	}
	brief := strings.ReplaceAll(m.BriefText, "\n", " ")
	_, err := fmt.Fprintf(w, "%s:%s:%s:%s:%d\n%s", m.JobID, m.RelPath, m.Category, brief, len(m.FreeText), m.FreeText)
	return err
}

// Decode reads one message from r. When the header names a job but the
// rest is malformed, the returned message carries that job id alongside
// the error.
func Decode(r io.Reader) (Message, error) {
	br := bufio.NewReader(io.LimitReader(r, maxHeader+MaxFreeText))
	header, err := br.ReadString('\n')
	if err != nil {
		return Message{}, fmt.Errorf("%w: incomplete header: %v", model.ErrProtocol, err)
	}
	if len(header) > maxHeader {
		return Message{}, fmt.Errorf("%w: header of %d bytes exceeds %d", model.ErrProtocol, len(header), maxHeader)
	}
	header = strings.TrimSuffix(header, "\n")

	// The job id and category contain no colons; the test path and brief
	// text may. The length is after the last colon.
	lastColon := strings.LastIndex(header, ":")
	fields := strings.SplitN(header[:max(lastColon, 0)], ":", 2)
	if lastColon < 0 || len(fields) != 2 {
		return Message{}, fmt.Errorf("%w: malformed header %q", model.ErrProtocol, header)
	}
	length, err := strconv.Atoi(header[lastColon+1:])
	if err != nil || length < 0 || length > MaxFreeText {
		return Message{JobID: fields[0]}, fmt.Errorf("%w: bad free text length in %q", model.ErrProtocol, header)
	}
	m := Message{JobID: fields[0]}
	rest := fields[1]
	category, ok := findCategory(rest)
	if !ok {
		return Message{JobID: m.JobID}, fmt.Errorf("%w: no category in %q", model.ErrProtocol, header)
	}
	m.RelPath = rest[:category.start]
	m.Category = rest[category.start+1 : category.end]
	m.BriefText = rest[category.end+1:]

	free, err := io.ReadAll(io.LimitReader(br, int64(length)))
	if err != nil {
		return Message{JobID: m.JobID}, fmt.Errorf("%w: failed to read free text: %v", model.ErrProtocol, err)
	}
	if len(free) < length {
		return Message{JobID: m.JobID}, fmt.Errorf("%w: free text shorter than %d bytes", model.ErrProtocol, length)
	}
	m.FreeText = string(free)
	return m, nil
}

type span struct{ start, end int }

// findCategory locates ":<category>:" in relPath:category:brief, taking the
// first colon-delimited field that is a known category or phase.
func findCategory(s string) (span, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			continue
		}
		end := strings.IndexByte(s[i+1:], ':')
		if end < 0 {
			return span{}, false
		}
		end += i + 1
		if knownCategory(s[i+1 : end]) {
			return span{start: i, end: end}, true
		}
	}
	return span{}, false
}

func knownCategory(s string) bool {
	return model.Category(s).Valid() || model.Phase(s).Known()
}

// Send dials addr, writes m and waits for the master to close the
// connection.
func Send(ctx context.Context, addr string, m Message) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}
	if err := Encode(conn, m); err != nil {
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return err
		}
	}
	if _, err := io.Copy(io.Discard, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
