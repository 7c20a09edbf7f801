package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	got := Sanitize(`hello <script>alert("x")</script>world`)
	if strings.Contains(got, "script") || strings.Contains(got, "alert") {
		t.Errorf("script survived sanitization: %q", got)
	}
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Errorf("text content lost: %q", got)
	}

	got = Sanitize(`<a href="javascript:evil()">link</a>`)
	if strings.Contains(got, "javascript:") {
		t.Errorf("javascript href survived: %q", got)
	}
}

func TestRender(t *testing.T) {
	got := Render("**bold** and ~~gone~~")
	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Errorf("markdown emphasis not rendered: %q", got)
	}
	if !strings.Contains(got, "<del>gone</del>") {
		t.Errorf("strikethrough not rendered: %q", got)
	}

	got = Render("see https://example.com for details")
	if !strings.Contains(got, `<a href="https://example.com"`) {
		t.Errorf("bare URL not linkified: %q", got)
	}

	got = Render(`<img src=x onerror=alert(1)>`)
	if strings.Contains(got, "onerror") {
		t.Errorf("event handler survived rendering: %q", got)
	}
}

func TestMentions(t *testing.T) {
	cases := []struct {
		body string
		want []string
	}{
		{"hello @bob", []string{"bob"}},
		{"@alice @bob @alice", []string{"alice", "bob"}},
		{"mailto:x@example.com is not a mention", nil},
		{"no mentions here", nil},
		{"@dot.name and @dash-name", []string{"dot.name", "dash-name"}},
	}
	for _, tc := range cases {
		got := Mentions(tc.body)
		if len(got) != len(tc.want) {
			t.Errorf("Mentions(%q) = %v, want %v", tc.body, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Mentions(%q) = %v, want %v", tc.body, got, tc.want)
				break
			}
		}
	}
}
