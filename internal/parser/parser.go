// Package parser implements the request-document parser the spec treats as
// an external dependency: it turns the raw text of a `.http`-style document
// into one or more ParsedRequest values. Its exact syntax is intentionally
// unspecified by the control plane; this implementation follows the common
// REST Client / httpyac convention (### markers separating requests,
// METHOD URL request line, header block, blank line, body) since the
// control plane needs a concrete, working parser to exercise the rest of
// the pipeline against.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rjsadow/httpflow/internal/apierr"
)

// FormField is one multipart/form-data field.
type FormField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	IsFile bool   `json:"isFile"`
	Path   string `json:"path,omitempty"`
}

// Protocol is the closed set of request protocols.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolSSE  Protocol = "sse"
	ProtocolWS   Protocol = "ws"
)

// OrderedHeaders preserves header insertion order, since §3 calls for an
// "ordered map<string,string>".
type OrderedHeaders struct {
	names  []string
	values map[string]string
}

// NewOrderedHeaders returns an empty OrderedHeaders.
func NewOrderedHeaders() *OrderedHeaders {
	return &OrderedHeaders{values: make(map[string]string)}
}

// Set adds name=value, preserving first-seen order for repeated names'
// position (the value itself is overwritten).
func (h *OrderedHeaders) Set(name, value string) {
	key := strings.ToLower(name)
	if _, exists := h.values[key]; !exists {
		h.names = append(h.names, name)
	}
	h.values[key] = value
}

// Get returns the value for name, case-insensitively.
func (h *OrderedHeaders) Get(name string) (string, bool) {
	v, ok := h.values[strings.ToLower(name)]
	return v, ok
}

// Each calls fn for every header in insertion order.
func (h *OrderedHeaders) Each(fn func(name, value string)) {
	for _, name := range h.names {
		fn(name, h.values[strings.ToLower(name)])
	}
}

// Len returns the number of distinct header names.
func (h *OrderedHeaders) Len() int { return len(h.names) }

// MarshalJSON renders headers as an order-preserving array of
// {name,value} pairs rather than a Go map, since JSON object key order is
// not guaranteed by encoding/json.
func (h *OrderedHeaders) MarshalJSON() ([]byte, error) {
	type pair struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	pairs := make([]pair, 0, len(h.names))
	h.Each(func(name, value string) {
		pairs = append(pairs, pair{Name: name, Value: value})
	})
	return json.Marshal(pairs)
}

// ParsedRequest is the external parser's output contract (§3).
type ParsedRequest struct {
	Name            string            `json:"name,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         *OrderedHeaders   `json:"headers"`
	Body            string            `json:"body,omitempty"`
	BodyFile        string            `json:"bodyFile,omitempty"`
	FormData        []FormField       `json:"formData,omitempty"`
	Protocol        Protocol          `json:"protocol"`
	ProtocolOptions map[string]string `json:"protocolOptions,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	Raw             string            `json:"raw"`
}

// Document is the result of parsing one `.http` document: zero or more
// requests plus any non-fatal diagnostics.
type Document struct {
	Requests    []ParsedRequest `json:"requests"`
	Diagnostics []string        `json:"diagnostics"`
}

// Parse splits raw into individual requests separated by "###" markers and
// parses each one. A syntactically invalid request line fails the whole
// document with apierr.CodeParse; an empty document (no requests found
// after separating and trimming) is reported by the caller via
// apierr.CodeNoRequestsFound, not here, since "no requests" is a valid
// parse of an empty file and the caller decides whether that's an error.
func Parse(raw string) (Document, error) {
	blocks := splitBlocks(raw)

	doc := Document{}
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		req, diag, err := parseBlock(block)
		if err != nil {
			return Document{}, apierr.Wrap(apierr.CodeParse, "failed to parse request block", err)
		}
		doc.Requests = append(doc.Requests, req)
		doc.Diagnostics = append(doc.Diagnostics, diag...)
	}

	return doc, nil
}

func splitBlocks(raw string) []string {
	lines := strings.Split(raw, "\n")
	var blocks []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "###") {
			flush()
			name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "###"))
			if name != "" {
				current = append(current, "# @name "+name)
			}
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

func parseBlock(block string) (ParsedRequest, []string, error) {
	lines := strings.Split(block, "\n")
	req := ParsedRequest{
		Headers:         NewOrderedHeaders(),
		Protocol:        ProtocolHTTP,
		Meta:            make(map[string]string),
		ProtocolOptions: make(map[string]string),
		Raw:             block,
	}
	var diagnostics []string

	i := 0
	// Leading comment/meta lines (# @name, # @protocol, etc.) and blank
	// lines before the request line.
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			continue
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			if name, ok := metaDirective(line, "@name"); ok {
				req.Name = name
			} else if proto, ok := metaDirective(line, "@protocol"); ok {
				req.Protocol = Protocol(proto)
			} else if k, v, ok := metaKeyValue(line); ok {
				req.Meta[k] = v
			}
			i++
			continue
		}
		break
	}

	if i >= len(lines) {
		return ParsedRequest{}, nil, fmt.Errorf("empty request block")
	}

	requestLine := strings.TrimSpace(lines[i])
	method, url, err := parseRequestLine(requestLine)
	if err != nil {
		return ParsedRequest{}, nil, err
	}
	req.Method = method
	req.URL = url
	i++

	// Headers until a blank line.
	for i < len(lines) {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			i++
			break
		}
		name, value, ok := splitHeader(line)
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("ignoring malformed header line: %q", line))
			i++
			continue
		}
		req.Headers.Set(name, value)
		i++
	}

	// Remainder is the body.
	if i < len(lines) {
		body := strings.TrimRight(strings.Join(lines[i:], "\n"), "\n")
		if strings.TrimSpace(body) != "" {
			req.Body = body
		}
	}

	if accept, ok := req.Headers.Get("Accept"); ok && strings.Contains(accept, "text/event-stream") {
		req.Protocol = ProtocolSSE
	}
	if strings.HasPrefix(strings.ToLower(req.URL), "ws://") || strings.HasPrefix(strings.ToLower(req.URL), "wss://") {
		req.Protocol = ProtocolWS
	}

	return req, diagnostics, nil
}

func parseRequestLine(line string) (method, url string, err error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		return strings.ToUpper(fields[0]), fields[1], nil
	case 3:
		// METHOD URL HTTP/1.1 — the trailing version token is accepted and
		// ignored, a common convention in captured request files.
		return strings.ToUpper(fields[0]), fields[1], nil
	default:
		return "", "", fmt.Errorf("invalid request line: %q", line)
	}
}

func splitHeader(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func metaDirective(line, directive string) (string, bool) {
	line = strings.TrimPrefix(strings.TrimPrefix(line, "#"), "//")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, directive) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, directive)), true
}

func metaKeyValue(line string) (string, string, bool) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "#"), "//"))
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "@")
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

// Select picks a request by name (first exact match) or index (0-based),
// defaulting to index 0. Specifying both is rejected with ValidationError.
func Select(doc Document, name string, index *int) (ParsedRequest, error) {
	if len(doc.Requests) == 0 {
		return ParsedRequest{}, apierr.New(apierr.CodeNoRequestsFound, "document contains no requests")
	}
	if name != "" && index != nil {
		return ParsedRequest{}, apierr.New(apierr.CodeValidationError, "specify either name or index, not both")
	}

	if name != "" {
		for _, r := range doc.Requests {
			if r.Name == name {
				return r, nil
			}
		}
		return ParsedRequest{}, apierr.New(apierr.CodeRequestNotFound, "no request named "+strconv.Quote(name))
	}

	idx := 0
	if index != nil {
		idx = *index
	}
	if idx < 0 || idx >= len(doc.Requests) {
		return ParsedRequest{}, apierr.Newf(apierr.CodeRequestIndexOutOfRange, "request index %d out of range [0,%d)", idx, len(doc.Requests))
	}
	return doc.Requests[idx], nil
}
