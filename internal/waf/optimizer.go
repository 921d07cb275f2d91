package waf

import (
	"context"
	"strings"

	"github.com/vidamais/edgeguard/internal/command"
)

// RuleOptimizer turns recent WAF error-log data into whitelist rules.
type RuleOptimizer interface {
	Optimize(ctx context.Context) ([]string, error)
}

// NxUtil runs the naxsi nx_util optimizer against the error log.
type NxUtil struct {
	runner      command.Runner
	interpreter string
	script      string
	errorLog    string
}

// NewNxUtil creates the optimizer. interpreter defaults to python3.
func NewNxUtil(runner command.Runner, interpreter, script, errorLog string) *NxUtil {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &NxUtil{runner: runner, interpreter: interpreter, script: script, errorLog: errorLog}
}

// Optimize returns the non-empty lines the optimizer printed.
func (n *NxUtil) Optimize(ctx context.Context) ([]string, error) {
	res, err := n.runner.Run(ctx, n.interpreter, n.script, "-l", n.errorLog, "-o", "-p", "1")
	if err != nil {
		return nil, err
	}
	var rules []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			rules = append(rules, line)
		}
	}
	return rules, nil
}
