package telegram

import (
	"strings"
	"unicode"
)

// splitCommand returns the lowercased command word without the leading
// slash or @botname, and the untouched remainder.
func splitCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	body := text[1:]
	word, rest := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		word, rest = body[:i], body[i:]
	}
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word), strings.TrimSpace(rest), word != ""
}

// tokenize splits s on whitespace. Quotes group words and a backslash
// escapes the next byte.
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		has   bool
	)
	flush := func() {
		if has {
			out = append(out, buf.String())
			buf.Reset()
			has = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc, has = false, true
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar, has = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
			has = true
		}
	}
	flush()
	return out
}

// fieldAliases maps accepted keys to canonical field names.
var fieldAliases = map[string]string{
	"title":       "title",
	"t":           "title",
	"due":         "due",
	"at":          "due",
	"when":        "due",
	"every":       "every",
	"repeat":      "every",
	"recur":       "every",
	"desc":        "desc",
	"description": "desc",
	"note":        "desc",
}

// parseFields reads "key=value" pairs, one per line or as quoted tokens.
// It reports false when args contain no known key, so callers can fall back
// to the positional form. Unknown keys are returned in bad.
func parseFields(args string) (fields map[string]string, bad []string, ok bool) {
	fields = map[string]string{}
	lines := strings.Split(args, "\n")
	multiline := len(lines) > 1
	var parts []string
	if multiline {
		for _, ln := range lines {
			if ln = strings.TrimSpace(ln); ln != "" {
				parts = append(parts, ln)
			}
		}
	} else {
		parts = tokenize(args)
	}
	for _, p := range parts {
		k, v, found := strings.Cut(p, "=")
		if !found {
			bad = append(bad, p)
			continue
		}
		key, known := fieldAliases[strings.ToLower(strings.TrimSpace(k))]
		if !known {
			bad = append(bad, p)
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			fields[key] = v
		}
		ok = true
	}
	return fields, bad, ok
}

// parsePipes splits "a | b | c" into trimmed parts.
func parsePipes(args string) []string {
	parts := strings.Split(args, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

type addArgs struct {
	Title string
	Due   string
	Every string
	Desc  string
}

// parseAdd accepts either
//
//	title | due [| recurrence [| description]]
//
// or key=value pairs (title, due, every, desc), one per line or quoted.
func parseAdd(args string) (addArgs, []string) {
	if fields, bad, ok := parseFields(args); ok {
		return addArgs{Title: fields["title"], Due: fields["due"], Every: fields["every"], Desc: fields["desc"]}, bad
	}
	parts := parsePipes(args)
	var a addArgs
	for i, p := range parts {
		switch i {
		case 0:
			a.Title = p
		case 1:
			a.Due = p
		case 2:
			a.Every = p
		default:
			if a.Desc != "" {
				a.Desc += " | "
			}
			a.Desc += p
		}
	}
	return a, nil
}

// headArg splits off the first whitespace-separated word.
func headArg(args string) (string, string) {
	args = strings.TrimSpace(args)
	i := strings.IndexFunc(args, unicode.IsSpace)
	if i < 0 {
		return args, ""
	}
	return args[:i], strings.TrimSpace(args[i:])
}
