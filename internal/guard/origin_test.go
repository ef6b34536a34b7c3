package guard

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	common "github.com/example/mail-relay/internal/adapters/common"
)

func TestDecide(t *testing.T) {
	g := New([]string{"https://example.com", "http://localhost:5173"}, zerolog.Nop())

	cases := map[string]Decision{
		"https://example.com":    Allow,
		"http://localhost:5173":  Allow,
		"":                       Deny,
		"https://example.com/":   Deny,
		"HTTPS://EXAMPLE.COM":    Deny,
		"https://evil.example":   Deny,
		"http://localhost:5174":  Deny,
		"https://example.com.ru": Deny,
	}

	for origin, want := range cases {
		if got := g.Decide(origin); got != want {
			t.Fatalf("Decide(%q) = %s, want %s", origin, got, want)
		}
	}
}

func TestCheckLogsDenials(t *testing.T) {
	var buf bytes.Buffer
	g := New([]string{"https://example.com"}, zerolog.New(&buf))

	if err := g.Check("https://example.com"); err != nil {
		t.Fatalf("expected allowed origin, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("allowed requests must not be logged, got %q", buf.String())
	}

	err := g.Check("https://evil.example")
	if !errors.Is(err, common.ErrOriginDenied) {
		t.Fatalf("expected ErrOriginDenied, got %v", err)
	}
	if !strings.Contains(buf.String(), `"origin":"https://evil.example"`) {
		t.Fatalf("expected offending origin in log, got %q", buf.String())
	}

	buf.Reset()
	if err := g.Check(""); !errors.Is(err, common.ErrOriginDenied) {
		t.Fatalf("expected missing origin to be denied, got %v", err)
	}
	if !strings.Contains(buf.String(), `"origin":"unknown"`) {
		t.Fatalf("expected unknown origin in log, got %q", buf.String())
	}
}

func TestOriginsDeduplicatesAndCopies(t *testing.T) {
	g := New([]string{"https://b.example", "https://a.example", "https://b.example", ""}, zerolog.Nop())

	got := g.Origins()
	if !reflect.DeepEqual(got, []string{"https://b.example", "https://a.example"}) {
		t.Fatalf("unexpected origins %v", got)
	}

	got[0] = "https://mutated.example"
	if g.Decide("https://mutated.example") == Allow {
		t.Fatalf("mutating the returned slice must not change the allowlist")
	}
}

func TestConcurrentChecks(t *testing.T) {
	g := New([]string{"https://example.com"}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := "https://example.com"
			if i%2 == 1 {
				origin = "https://other.example"
			}
			want := i%2 == 0
			if got := g.Check(origin) == nil; got != want {
				t.Errorf("Check(%q) allowed=%v, want %v", origin, got, want)
			}
		}(i)
	}
	wg.Wait()
}
