package parser

import (
	"encoding/json"
	"testing"

	"github.com/rjsadow/httpflow/internal/apierr"
)

func TestParseSingleRequest(t *testing.T) {
	doc, err := Parse("GET https://api.example.com/users\nAccept: application/json\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(doc.Requests) != 1 {
		t.Fatalf("Requests = %d, want 1", len(doc.Requests))
	}
	req := doc.Requests[0]
	if req.Method != "GET" || req.URL != "https://api.example.com/users" {
		t.Fatalf("request = %+v", req)
	}
	if v, _ := req.Headers.Get("accept"); v != "application/json" {
		t.Fatalf("Accept header = %q", v)
	}
}

func TestParseMultipleRequestsSplitByMarker(t *testing.T) {
	raw := "### first\nGET https://a.example.com/\n\n### second\nPOST https://b.example.com/\nContent-Type: application/json\n\n{\"x\":1}\n"
	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(doc.Requests) != 2 {
		t.Fatalf("Requests = %d, want 2", len(doc.Requests))
	}
	if doc.Requests[0].Name != "first" || doc.Requests[1].Name != "second" {
		t.Fatalf("names = %q, %q", doc.Requests[0].Name, doc.Requests[1].Name)
	}
	if doc.Requests[1].Body != `{"x":1}` {
		t.Fatalf("body = %q", doc.Requests[1].Body)
	}
}

func TestParseEmptyDocumentYieldsNoRequests(t *testing.T) {
	doc, err := Parse("\n\n   \n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(doc.Requests) != 0 {
		t.Fatalf("Requests = %d, want 0", len(doc.Requests))
	}
}

func TestParseInvalidRequestLineFails(t *testing.T) {
	_, err := Parse("NOT-A-VALID-LINE\n")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeParse {
		t.Fatalf("Parse() error = %v, want Parse", err)
	}
}

func TestSelectByNameFirstMatch(t *testing.T) {
	doc := Document{Requests: []ParsedRequest{{Name: "a"}, {Name: "b"}, {Name: "a"}}}
	req, err := Select(doc, "a", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if req.Name != "a" {
		t.Fatalf("Select() = %+v", req)
	}
}

func TestSelectByIndexDefaultsToZero(t *testing.T) {
	doc := Document{Requests: []ParsedRequest{{Name: "only"}}}
	req, err := Select(doc, "", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if req.Name != "only" {
		t.Fatalf("Select() = %+v", req)
	}
}

func TestSelectBothNameAndIndexRejected(t *testing.T) {
	doc := Document{Requests: []ParsedRequest{{Name: "a"}}}
	idx := 0
	_, err := Select(doc, "a", &idx)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeValidationError {
		t.Fatalf("Select() error = %v, want ValidationError", err)
	}
}

func TestSelectIndexOutOfRange(t *testing.T) {
	doc := Document{Requests: []ParsedRequest{{Name: "a"}}}
	idx := 5
	_, err := Select(doc, "", &idx)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeRequestIndexOutOfRange {
		t.Fatalf("Select() error = %v, want RequestIndexOutOfRange", err)
	}
}

func TestSelectUnknownNameNotFound(t *testing.T) {
	doc := Document{Requests: []ParsedRequest{{Name: "a"}}}
	_, err := Select(doc, "missing", nil)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeRequestNotFound {
		t.Fatalf("Select() error = %v, want RequestNotFound", err)
	}
}

func TestSelectEmptyDocument(t *testing.T) {
	_, err := Select(Document{}, "", nil)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeNoRequestsFound {
		t.Fatalf("Select() error = %v, want NoRequestsFound", err)
	}
}

func TestOrderedHeadersMarshalJSONPreservesInsertionOrder(t *testing.T) {
	h := NewOrderedHeaders()
	h.Set("Accept", "application/json")
	h.Set("X-Trace-Id", "abc")

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var pairs []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &pairs); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(pairs) != 2 || pairs[0].Name != "Accept" || pairs[1].Name != "X-Trace-Id" {
		t.Fatalf("pairs = %+v", pairs)
	}
}
