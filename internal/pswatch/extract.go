// Package pswatch lets callers subscribe to the live result of a SELECT
// query: the registry re-runs the query and delivers fresh rows
// whenever a table the query reads from changes.
package pswatch

import "strings"

// tokenKind classifies a scanned lexeme for the table-name extractor.
type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokPunct
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

// lex splits sql into words, quoted identifiers/strings, and single
// punctuation runes, skipping whitespace and -- / block comments. It
// deliberately does not parse — it only needs to find FROM/JOIN
// keywords and the identifier that follows them.
func lex(sql string) []token {
	var toks []token
	r := []rune(sql)
	i, n := 0, len(r)

	for i < n {
		c := r[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && r[i+1] == '-':
			for i < n && r[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && r[i+1] == '*':
			i += 2
			for i+1 < n && !(r[i] == '*' && r[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'' || c == '"' || c == '`':
			quote := c
			j := i + 1
			for j < n && r[j] != quote {
				if r[j] == '\\' && j+1 < n {
					j++
				}
				j++
			}
			toks = append(toks, token{tokString, string(r[i+1 : min(j, n)])})
			i = j + 1
		case c == '[':
			j := i + 1
			for j < n && r[j] != ']' {
				j++
			}
			toks = append(toks, token{tokString, string(r[i+1 : min(j, n)])})
			i = j + 1
		case isIdentRune(c):
			j := i
			for j < n && isIdentRune(r[j]) {
				j++
			}
			toks = append(toks, token{tokWord, string(r[i:j])})
			i = j
		default:
			toks = append(toks, token{tokPunct, string(c)})
			i++
		}
	}
	return toks
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ExtractTables returns the set of table names a SELECT statement reads
// from, conservatively over-approximating: it collects every identifier
// following FROM, JOIN, or a comma inside a FROM-list, then drops the
// names introduced as CTE aliases by WITH ... AS (...). Callers
// invalidate a watch too often rather than too rarely, which is the safe
// direction to err.
func ExtractTables(sql string) []string {
	toks := lex(sql)
	cteNames := collectCTENames(toks)

	seen := make(map[string]bool)
	var tables []string
	addTable := func(name string) {
		name = strings.ToLower(baseName(name))
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord {
			continue
		}
		up := strings.ToUpper(t.text)
		if up != "FROM" && up != "JOIN" {
			continue
		}
		j := i + 1
		for j < len(toks) {
			if toks[j].kind == tokWord && !isReservedAfterFrom(strings.ToUpper(toks[j].text)) {
				addTable(toks[j].text)
			}
			j++
			// Stop consuming a comma-separated FROM-list item once we hit
			// a clause keyword, an alias, a join condition, or a comma
			// continuing to the next table.
			if j < len(toks) && toks[j].kind == tokPunct && toks[j].text == "," {
				j++
				continue
			}
			break
		}
	}

	var out []string
	for _, t := range tables {
		if !cteNames[t] {
			out = append(out, t)
		}
	}
	return out
}

func baseName(ident string) string {
	parts := strings.Split(ident, ".")
	return parts[len(parts)-1]
}

func isReservedAfterFrom(word string) bool {
	switch word {
	case "WHERE", "GROUP", "ORDER", "LIMIT", "HAVING", "JOIN", "LEFT", "RIGHT",
		"INNER", "OUTER", "ON", "AS", "UNION", "SELECT":
		return true
	}
	return false
}

// collectCTENames finds identifiers introduced by WITH ... AS (...), so
// they're excluded from the final table list (they're not real tables).
func collectCTENames(toks []token) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i < len(toks); i++ {
		if toks[i].kind == tokWord && strings.EqualFold(toks[i].text, "WITH") {
			j := i + 1
			for j < len(toks) {
				if toks[j].kind == tokWord && !strings.EqualFold(toks[j].text, "RECURSIVE") {
					names[strings.ToLower(toks[j].text)] = true
				}
				// advance past this CTE's parenthesized body
				for j < len(toks) && !(toks[j].kind == tokPunct && toks[j].text == "(") {
					j++
				}
				depth := 0
				for j < len(toks) {
					if toks[j].kind == tokPunct && toks[j].text == "(" {
						depth++
					}
					if toks[j].kind == tokPunct && toks[j].text == ")" {
						depth--
						if depth == 0 {
							j++
							break
						}
					}
					j++
				}
				if j < len(toks) && toks[j].kind == tokPunct && toks[j].text == "," {
					j++
					continue
				}
				break
			}
		}
	}
	return names
}
