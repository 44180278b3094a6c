package proc

import "strings"

// QuoteCommandLine joins argv into a command line that splits back into
// the same words. Words containing separators or quotes are single quoted,
// with backslashes doubled; a single quote inside a word is written as "'".
func QuoteCommandLine(argv []string) string {
	words := make([]string, 0, len(argv))
	for _, w := range argv {
		if w == "" || strings.ContainsAny(w, " \t\n'\"\\$`|&;<>()") {
			parts := strings.Split(w, "'")
			for i, p := range parts {
				if p != "" || len(parts) == 1 {
					parts[i] = "'" + strings.ReplaceAll(p, `\`, `\\`) + "'"
				}
			}
			w = strings.Join(parts, `"'"`)
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}
