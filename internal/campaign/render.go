package campaign

import "strings"

// Render substitutes {variable} tokens in a template with recipient values.
// Tokens with no matching variable are left literal, so a bad template never
// blocks a send.
func Render(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
