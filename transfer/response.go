// File: transfer/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental HTTP/1.1 response parser. Bytes are pushed as they arrive from
// a non-blocking socket; raw header lines and decoded body segments are
// forwarded to a sink as soon as they are complete.

package transfer

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/momentics/hioload-http/api"
)

// maxHeaderLine bounds one header or chunk-size line.
const maxHeaderLine = 100 << 10

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaderLines
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailers
	stateComplete
)

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// parseError carries the result code a protocol violation maps to.
type parseError struct {
	code api.ResultCode
	msg  string
}

func (e *parseError) Error() string { return e.msg }

func protocolError(code api.ResultCode, msg string) error {
	return &parseError{code: code, msg: msg}
}

// resultOf maps a parser or sink error onto a result code.
func resultOf(err error) api.ResultCode {
	var pe *parseError
	if errors.As(err, &pe) {
		return pe.code
	}
	return api.ResultWriteError
}

// responseSink receives parser output.
type responseSink interface {
	headerLine(line []byte) error
	headersDone(p *responseParser) error
	bodySegment(seg []byte) error
}

type responseParser struct {
	state    parseState
	mode     bodyMode
	line     []byte
	headOnly bool

	proto     string
	status    int
	length    int64 // -1 when absent
	chunked   bool
	connClose bool
	keepAlive bool
	location  string
	cookies   []string

	remaining int64
	received  int64 // raw bytes fed
	excess    bool
}

func (p *responseParser) reset(headOnly bool) {
	*p = responseParser{line: p.line[:0], headOnly: headOnly, length: -1}
}

// resetForFinal prepares for the final response after an informational one.
func (p *responseParser) resetForFinal() {
	p.state = stateStatusLine
	p.status = 0
	p.length = -1
	p.chunked = false
	p.connClose = false
	p.keepAlive = false
	p.location = ""
	p.cookies = p.cookies[:0]
}

func (p *responseParser) done() bool { return p.state == stateComplete }

// gotAny reports whether any response byte was seen.
func (p *responseParser) gotAny() bool { return p.received > 0 }

// reusable reports whether the connection may carry another request.
func (p *responseParser) reusable() bool {
	if !p.done() || p.excess || p.connClose || p.mode == bodyUntilClose {
		return false
	}
	return p.proto == "HTTP/1.1" || p.keepAlive
}

// feed consumes data, calling into sink as elements complete.
func (p *responseParser) feed(data []byte, sink responseSink) error {
	p.received += int64(len(data))
	for len(data) > 0 {
		switch p.state {
		case stateComplete:
			p.excess = true
			return nil

		case stateBody:
			n := len(data)
			if p.mode == bodyLength && int64(n) > p.remaining {
				n = int(p.remaining)
			}
			if err := sink.bodySegment(data[:n]); err != nil {
				return err
			}
			data = data[n:]
			if p.mode == bodyLength {
				p.remaining -= int64(n)
				if p.remaining == 0 {
					p.state = stateComplete
				}
			}

		case stateChunkData:
			n := len(data)
			if int64(n) > p.remaining {
				n = int(p.remaining)
			}
			if err := sink.bodySegment(data[:n]); err != nil {
				return err
			}
			data = data[n:]
			p.remaining -= int64(n)
			if p.remaining == 0 {
				p.state = stateChunkEnd
			}

		default:
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				p.line = append(p.line, data...)
				if len(p.line) > maxHeaderLine {
					return protocolError(api.ResultRecvError, "header line too large")
				}
				return nil
			}
			p.line = append(p.line, data[:i+1]...)
			data = data[i+1:]
			if len(p.line) > maxHeaderLine {
				return protocolError(api.ResultRecvError, "header line too large")
			}
			err := p.onLine(p.line, sink)
			p.line = p.line[:0]
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

func (p *responseParser) onLine(raw []byte, sink responseSink) error {
	line := trimEOL(raw)
	switch p.state {
	case stateStatusLine:
		if len(line) == 0 {
			return nil
		}
		if err := p.parseStatus(string(line)); err != nil {
			return err
		}
		p.state = stateHeaderLines
		return sink.headerLine(raw)

	case stateHeaderLines:
		if err := sink.headerLine(raw); err != nil {
			return err
		}
		if len(line) == 0 {
			return p.endOfHeaders(sink)
		}
		p.parseHeader(string(line))
		return nil

	case stateChunkSize:
		s := string(line)
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		n, err := strconv.ParseInt(s, 16, 64)
		if s == "" || err != nil || n < 0 {
			return protocolError(api.ResultRecvError, "invalid chunk size "+strconv.Quote(s))
		}
		if n == 0 {
			p.state = stateTrailers
			return nil
		}
		p.remaining = n
		p.state = stateChunkData
		return nil

	case stateChunkEnd:
		if len(line) != 0 {
			return protocolError(api.ResultRecvError, "missing CRLF after chunk data")
		}
		p.state = stateChunkSize
		return nil

	case stateTrailers:
		if err := sink.headerLine(raw); err != nil {
			return err
		}
		if len(line) == 0 {
			p.state = stateComplete
		}
		return nil
	}
	return nil
}

func (p *responseParser) parseStatus(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return protocolError(api.ResultWeirdServerReply, "unsupported status line "+strconv.Quote(line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 || code < 100 {
		return protocolError(api.ResultWeirdServerReply, "invalid status code "+strconv.Quote(parts[1]))
	}
	p.proto = parts[0]
	p.status = code
	return nil
}

func (p *responseParser) parseHeader(line string) {
	if line[0] == ' ' || line[0] == '\t' {
		// Folded continuation; none of the fields we track use it.
		return
	}
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return
	}
	name := strings.TrimSpace(line[:i])
	value := strings.TrimSpace(line[i+1:])
	switch strings.ToLower(name) {
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			p.length = n
		}
	case "transfer-encoding":
		codings := strings.Split(strings.ToLower(value), ",")
		p.chunked = strings.TrimSpace(codings[len(codings)-1]) == "chunked"
	case "connection":
		for _, tok := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "close":
				p.connClose = true
			case "keep-alive":
				p.keepAlive = true
			}
		}
	case "location":
		p.location = value
	case "set-cookie":
		p.cookies = append(p.cookies, value)
	}
}

func (p *responseParser) endOfHeaders(sink responseSink) error {
	switch {
	case p.status == 101:
		// No protocol switch support: the exchange ends here.
		p.connClose = true
		p.state = stateComplete
		p.mode = bodyNone
		return sink.headersDone(p)
	case p.status < 200:
		p.resetForFinal()
		return nil
	}
	if err := sink.headersDone(p); err != nil {
		return err
	}
	switch {
	case p.headOnly || p.status == 204 || p.status == 304:
		p.mode = bodyNone
		p.state = stateComplete
	case p.chunked:
		p.mode = bodyChunked
		p.state = stateChunkSize
	case p.length == 0:
		p.mode = bodyLength
		p.state = stateComplete
	case p.length > 0:
		p.mode = bodyLength
		p.remaining = p.length
		p.state = stateBody
	default:
		p.mode = bodyUntilClose
		p.state = stateBody
	}
	return nil
}

// finishEOF is called when the peer closes the connection. It returns nil
// when the response is complete.
func (p *responseParser) finishEOF() error {
	switch {
	case p.state == stateComplete:
		return nil
	case p.state == stateBody && p.mode == bodyUntilClose:
		p.state = stateComplete
		return nil
	case !p.gotAny():
		return protocolError(api.ResultGotNothing, "empty reply from server")
	case p.state == stateStatusLine || p.state == stateHeaderLines:
		return protocolError(api.ResultRecvError, "connection closed inside response headers")
	case p.mode == bodyLength:
		return protocolError(api.ResultPartialFile,
			"transfer closed with "+strconv.FormatInt(p.remaining, 10)+" bytes remaining to read")
	default:
		return protocolError(api.ResultPartialFile, "transfer closed with outstanding read data remaining")
	}
}
