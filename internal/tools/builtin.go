package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
)

// GetTime reports the local time. now may be nil.
func GetTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        "get_time",
		Description: "tell the current local time",
		ArgsSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Run: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			t := now()
			return map[string]any{
				"time":  t.Format("15:04"),
				"iso":   t.Format(time.RFC3339),
				"reply": "It's " + t.Format("3:04 PM") + ".",
			}, nil
		},
	}
}

var placeholderRE = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// Command wraps an external executable. Placeholders such as {query} in args
// are filled from the intent's string arguments and become required.
func Command(name, description, command string, args []string, requiresConfirmation bool) Tool {
	fields := map[string]struct{}{}
	for _, a := range args {
		for _, m := range placeholderRE.FindAllStringSubmatch(a, -1) {
			fields[m[1]] = struct{}{}
		}
	}
	required := make([]any, 0, len(fields))
	props := make(map[string]any, len(fields))
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		required = append(required, f)
		props[f] = map[string]any{"type": "string"}
	}
	if description == "" {
		description = strings.ReplaceAll(name, "_", " ")
	}

	return Tool{
		Name:        name,
		Description: description,
		ArgsSchema: map[string]any{
			"type":                 "object",
			"required":             required,
			"properties":           props,
			"additionalProperties": false,
		},
		RequiresConfirmation: requiresConfirmation,
		Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			argv := make([]string, len(args))
			for i, a := range args {
				argv[i] = placeholderRE.ReplaceAllStringFunc(a, func(p string) string {
					v, _ := in[p[1:len(p)-1]].(string)
					return v
				})
			}
			var stdout, stderr bytes.Buffer
			cmd := exec.CommandContext(ctx, command, argv...)
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = err.Error()
				}
				return nil, fmt.Errorf("%s: %s", command, msg)
			}
			out := map[string]any{"ok": true}
			if s := strings.TrimSpace(stdout.String()); s != "" {
				out["output"] = s
			}
			return out, nil
		},
	}
}
