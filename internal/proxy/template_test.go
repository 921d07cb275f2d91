package proxy

import (
	"errors"
	"strings"
	"testing"

	"github.com/vidamais/edgeguard/internal/apperr"
	"pgregory.net/rapid"
)

func TestRenderConfig_Empty(t *testing.T) {
	out, err := RenderConfig(nil, DefaultTemplate())
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	if strings.Contains(string(out), "location") {
		t.Errorf("expected no location blocks, got:\n%s", out)
	}
}

func TestRenderConfig_Block(t *testing.T) {
	out, err := RenderConfig([]string{"/admin"}, DefaultTemplate())
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	s := string(out)
	for _, want := range []string{
		"location /admin {",
		"include /etc/nginx/naxsi.rules;",
		"limit_req zone=req_limit_protected burst=1;",
		"access_log /var/log/nginx/protected_access.log;",
		"error_log /var/log/nginx/protected_error.log;",
		"if ($ssl_client_verify != SUCCESS) {",
		"return 403;",
		"proxy_pass http://openemr:80;",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("rendered config missing %q:\n%s", want, s)
		}
	}
}

func TestRenderConfig_CustomTemplate(t *testing.T) {
	tmpl := DefaultTemplate()
	tmpl.Upstream = "http://app:5000"
	tmpl.RulesInclude = "/etc/nginx/waf.rules"
	out, err := RenderConfig([]string{"/x"}, tmpl)
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	if !strings.Contains(string(out), "proxy_pass http://app:5000;") ||
		!strings.Contains(string(out), "include /etc/nginx/waf.rules;") {
		t.Errorf("template values not applied:\n%s", out)
	}
}

func TestRenderConfig_RejectsUnsafePaths(t *testing.T) {
	for _, path := range []string{"noslash", "/a b", "/a;}", "/x{", "/$host"} {
		_, err := RenderConfig([]string{path}, DefaultTemplate())
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("path %q: expected ErrValidation, got %v", path, err)
		}
	}
}

// Property: one block per route, in input order.
func TestProperty_RenderOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		routes := rapid.SliceOfNDistinct(rapid.StringMatching(`/[a-z0-9/_.-]{0,12}`), 0, 15, rapid.ID[string]).Draw(t, "routes")

		out, err := RenderConfig(routes, DefaultTemplate())
		if err != nil {
			t.Fatalf("RenderConfig() error = %v", err)
		}
		s := string(out)

		if got := strings.Count(s, "location "); got != len(routes) {
			t.Fatalf("expected %d blocks, got %d", len(routes), got)
		}
		pos := 0
		for _, r := range routes {
			idx := strings.Index(s[pos:], "location "+r+" {")
			if idx < 0 {
				t.Fatalf("block for %q missing or out of order", r)
			}
			pos += idx + 1
		}
	})
}
