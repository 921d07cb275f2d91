package proxy

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/vidamais/edgeguard/internal/apperr"
)

// Template holds the fixed values of every protected location block.
type Template struct {
	// RulesInclude is the WAF ruleset included in each block.
	RulesInclude string `toml:"rules_include"`
	LimitZone    string `toml:"limit_zone"`
	Burst        int    `toml:"burst"`
	AccessLog    string `toml:"access_log"`
	ErrorLog     string `toml:"error_log"`
	Upstream     string `toml:"upstream"`
}

// DefaultTemplate returns the values used by the reference deployment.
func DefaultTemplate() Template {
	return Template{
		RulesInclude: "/etc/nginx/naxsi.rules",
		LimitZone:    "req_limit_protected",
		Burst:        1,
		AccessLog:    "/var/log/nginx/protected_access.log",
		ErrorLog:     "/var/log/nginx/protected_error.log",
		Upstream:     "http://openemr:80",
	}
}

var locationTemplate = template.Must(template.New("locations").Parse(`{{range .Routes}}
location {{.}} {
    include {{$.RulesInclude}};
    limit_req zone={{$.LimitZone}} burst={{$.Burst}};

    access_log {{$.AccessLog}};
    error_log {{$.ErrorLog}};

    if ($ssl_client_verify != SUCCESS) {
        return 403;
    }

    proxy_pass {{$.Upstream}};
}
{{end}}`))

// RenderConfig produces the protected-locations snapshot: one block per
// route, in the given order. It has no side effects.
func RenderConfig(routes []string, t Template) ([]byte, error) {
	for _, r := range routes {
		if err := CheckLocation(r); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	err := locationTemplate.Execute(&buf, struct {
		Template
		Routes []string
	}{t, routes})
	if err != nil {
		return nil, apperr.InternalIO("render proxy config", err)
	}
	return buf.Bytes(), nil
}

// CheckLocation rejects paths that are not absolute or that would break out
// of a location directive.
func CheckLocation(path string) error {
	if !strings.HasPrefix(path, "/") {
		return apperr.Validation("route %q must start with /", path)
	}
	if strings.ContainsAny(path, " \t\r\n{};#\"'\\$") {
		return apperr.Validation("route %q contains characters not allowed in a location", path)
	}
	return nil
}
