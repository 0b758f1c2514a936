// Package http is a pluggable applayer.Parser extracting method/URI/header
// fields from a reassembled HTTP/1.x request or response, to back the rule
// engine's http_uri/http_raw_header/uricontent predicates (§6).
//
// Adapted from the teacher's gnet/http/parser.go readSingleHTTPRequest and
// readSingleHTTPResponse: same use of the standard library's http.ReadRequest
// / http.ReadResponse over a bufio.Reader. The teacher ran this inside a
// goroutine fed through an io.Pipe because its TCPParser contract required
// incremental parsing of an open-ended byte stream; applayer.Parser instead
// hands us one already-bounded stream message, so the blocking stdlib call
// can run synchronously on the detection worker's own goroutine.
package http

import (
	"bufio"
	"io"
	"net/http"
	"net/url"

	"github.com/flowloom/sentryd/internal/memview"
)

// Request is the subset of an HTTP/1.x request the detection engine's
// content-match and predicate evaluation needs.
type Request struct {
	Method  string
	URI     string
	URL     *url.URL
	Host    string
	Proto   string
	Header  http.Header
	Body    []byte
	RawHead []byte // the verbatim header block, for http_raw_header matches
}

// Response is the subset of an HTTP/1.x response needed by predicates.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Body       []byte
}

// ParseRequest parses a single HTTP/1.x request from the start of buf.
// Unconsumed trailing bytes (e.g. the start of a following pipelined
// request) are not an error; only the request's own bytes are read.
func ParseRequest(buf memview.MemView) (Request, error) {
	raw := buf.String()
	br := bufio.NewReader(buf.CreateReader())

	req, err := http.ReadRequest(br)
	if err != nil {
		return Request{}, err
	}
	defer req.Body.Close()

	body, _ := io.ReadAll(req.Body)

	headEnd := headerBlockEnd(raw)

	return Request{
		Method:  req.Method,
		URI:     req.RequestURI,
		URL:     req.URL,
		Host:    req.Host,
		Proto:   req.Proto,
		Header:  req.Header,
		Body:    body,
		RawHead: []byte(raw[:headEnd]),
	}, nil
}

// ParseResponse parses a single HTTP/1.x response from the start of buf.
func ParseResponse(buf memview.MemView) (Response, error) {
	br := bufio.NewReader(buf.CreateReader())

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	return Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// headerBlockEnd returns the offset just past the header-terminating blank
// line ("\r\n\r\n"), or len(raw) if none is found.
func headerBlockEnd(raw string) int {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := indexOf(raw, sep); idx >= 0 {
			return idx + len(sep)
		}
	}
	return len(raw)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
