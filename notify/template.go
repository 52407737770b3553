package notify

import "strings"

// Expand substitutes {key} placeholders in a message template with values
// from vars. Unknown placeholders are left untouched so a typo in a
// template stays visible in the delivered message.
func Expand(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
