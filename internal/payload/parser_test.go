package payload

import (
	"errors"
	"strings"
	"testing"

	common "github.com/example/mail-relay/internal/adapters/common"
)

func TestParseObject(t *testing.T) {
	p := NewParser(0)

	doc, err := p.Parse([]byte(`{"type":"code","subject":"Build failed","attempt":12.50,"ok":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Discriminator() != "code" || doc.String("subject") != "Build failed" {
		t.Fatalf("unexpected lookups on %s", doc.JSON())
	}
	if doc.String("attempt") != "" || doc.String("ok") != "" {
		t.Fatalf("non-string leaves must read as empty strings")
	}
	if got := doc.JSON(); got != `{"attempt":12.50,"ok":true,"subject":"Build failed","type":"code"}` {
		t.Fatalf("unexpected re-serialization %q", got)
	}
}

func TestParseNonObjectValues(t *testing.T) {
	p := NewParser(0)

	for _, body := range []string{`[1,2]`, `"hello"`, `42`, `null`, "  {}\n"} {
		doc, err := p.Parse([]byte(body))
		if err != nil {
			t.Fatalf("expected %q to decode, got %v", body, err)
		}
		if doc.Discriminator() != "" {
			t.Fatalf("expected no discriminator for %q", body)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	p := NewParser(64)

	cases := map[string]struct {
		body string
		want string
	}{
		"empty":     {body: "", want: "body is empty"},
		"blank":     {body: "  \n", want: "body is empty"},
		"truncated": {body: `{"type":"contact"`, want: "unexpected end of JSON input"},
		"syntax":    {body: `{type:"contact"}`, want: "invalid character 't'"},
		"trailing":  {body: `{"a":"b"} {"c":"d"}`, want: "trailing data"},
		"too large": {body: `{"body":"` + strings.Repeat("x", 80) + `"}`, want: "exceeds maximum size"},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse([]byte(tc.body))
			if !errors.Is(err, common.ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected diagnostic %q in %q", tc.want, err.Error())
			}
		})
	}
}
