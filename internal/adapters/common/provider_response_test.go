package common

import "testing"

func TestTruncateRaw(t *testing.T) {
	cases := []struct {
		raw   string
		limit int
		want  string
	}{
		{raw: "250 2.0.0 queued", limit: 3, want: "250"},
		{raw: "short", limit: 10, want: "short"},
		{raw: "héllo", limit: 2, want: "hé"},
		{raw: "anything", limit: 0, want: ""},
	}

	for _, tc := range cases {
		if got := TruncateRaw(tc.raw, tc.limit); got != tc.want {
			t.Fatalf("TruncateRaw(%q, %d) = %q, want %q", tc.raw, tc.limit, got, tc.want)
		}
	}
}

func TestCodeValue(t *testing.T) {
	var nilResp *ProviderResponse
	if nilResp.CodeValue() != 0 {
		t.Fatalf("expected zero code for nil response")
	}

	code := 535
	resp := &ProviderResponse{Status: StatusRejected, Code: &code}
	if resp.CodeValue() != 535 {
		t.Fatalf("expected 535, got %d", resp.CodeValue())
	}
}
