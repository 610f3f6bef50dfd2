package schema

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"
)

// IndexDefinition is the structured form of a CREATE INDEX statement as
// produced by pg_get_indexdef (the pg_indexes.indexdef column).
//
// Only the identifiers that a rebuild needs to rename are parsed. The key
// column list, the trailing options and the partial-index predicate are kept
// verbatim and are never rewritten.
type IndexDefinition struct {
	Unique    bool
	Name      string
	Only      bool
	Schema    string
	Table     string
	Method    string
	Columns   string // inside of the key column parentheses
	Options   string // INCLUDE, NULLS NOT DISTINCT, WITH, TABLESPACE
	Predicate string // without the WHERE keyword
}

// ParseIndexDefinition parses an index definition
func ParseIndexDefinition(def string) (IndexDefinition, error) {
	var d IndexDefinition
	sc := &defScanner{s: strings.TrimSpace(def)}

	if !sc.keyword("CREATE") {
		return d, sc.errorf("expected CREATE")
	}
	d.Unique = sc.keyword("UNIQUE")
	if !sc.keyword("INDEX") {
		return d, sc.errorf("expected INDEX")
	}

	var err error
	if d.Name, err = sc.ident(); err != nil {
		return d, err
	}
	if !sc.keyword("ON") {
		return d, sc.errorf("expected ON")
	}
	d.Only = sc.keyword("ONLY")

	first, err := sc.ident()
	if err != nil {
		return d, err
	}
	if sc.peek() == '.' {
		sc.pos++
		second, err := sc.ident()
		if err != nil {
			return d, err
		}
		d.Schema, d.Table = first, second
	} else {
		d.Table = first
	}

	if !sc.keyword("USING") {
		return d, sc.errorf("expected USING")
	}
	method, err := sc.ident()
	if err != nil {
		return d, err
	}
	d.Method = strings.ToLower(method)

	sc.skipSpace()
	if sc.peek() != '(' {
		return d, sc.errorf("expected column list")
	}
	if d.Columns, err = sc.group(); err != nil {
		return d, err
	}

	rest := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sc.s[sc.pos:]), ";"))
	if i := topLevelKeyword(rest, "WHERE"); i >= 0 {
		d.Options = strings.TrimSpace(rest[:i])
		d.Predicate = strings.TrimSpace(rest[i+len("WHERE"):])
		if d.Predicate == "" {
			return d, fmt.Errorf("index definition %q: empty WHERE clause", def)
		}
	} else {
		d.Options = rest
	}

	return d, nil
}

// IsBTree reports whether the index uses the btree access method
func (d IndexDefinition) IsBTree() bool {
	return d.Method == "btree"
}

// QualifiedTable returns the quoted, optionally schema-qualified table name
func (d IndexDefinition) QualifiedTable() string {
	if d.Schema == "" {
		return pgx.Identifier{d.Table}.Sanitize()
	}
	return pgx.Identifier{d.Schema, d.Table}.Sanitize()
}

// String renders the definition as a CREATE INDEX statement without a
// trailing semicolon. Identifiers are always quoted.
func (d IndexDefinition) String() string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if d.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(pgx.Identifier{d.Name}.Sanitize())
	b.WriteString(" ON ")
	if d.Only {
		b.WriteString("ONLY ")
	}
	b.WriteString(d.QualifiedTable())
	b.WriteString(" USING ")
	b.WriteString(d.Method)
	b.WriteString(" (")
	b.WriteString(d.Columns)
	b.WriteString(")")
	if d.Options != "" {
		b.WriteString(" ")
		b.WriteString(d.Options)
	}
	if d.Predicate != "" {
		b.WriteString(" WHERE ")
		b.WriteString(d.Predicate)
	}
	return b.String()
}

type defScanner struct {
	s   string
	pos int
}

func (sc *defScanner) errorf(format string, args ...any) error {
	return fmt.Errorf("index definition %q at offset %d: %s", sc.s, sc.pos, fmt.Sprintf(format, args...))
}

func (sc *defScanner) peek() byte {
	if sc.pos >= len(sc.s) {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *defScanner) skipSpace() {
	for sc.pos < len(sc.s) && unicode.IsSpace(rune(sc.s[sc.pos])) {
		sc.pos++
	}
}

// keyword consumes word if it is next in the input as a whole token
func (sc *defScanner) keyword(word string) bool {
	sc.skipSpace()
	end := sc.pos + len(word)
	if end > len(sc.s) || !strings.EqualFold(sc.s[sc.pos:end], word) {
		return false
	}
	if end < len(sc.s) && isIdentByte(sc.s[end]) {
		return false
	}
	sc.pos = end
	return true
}

// ident consumes a bare or double-quoted identifier and returns it unquoted
func (sc *defScanner) ident() (string, error) {
	sc.skipSpace()
	if sc.peek() == '"' {
		var b strings.Builder
		for i := sc.pos + 1; i < len(sc.s); i++ {
			if sc.s[i] != '"' {
				b.WriteByte(sc.s[i])
				continue
			}
			if i+1 < len(sc.s) && sc.s[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			sc.pos = i + 1
			return b.String(), nil
		}
		return "", sc.errorf("unterminated quoted identifier")
	}

	start := sc.pos
	for sc.pos < len(sc.s) && isIdentByte(sc.s[sc.pos]) {
		sc.pos++
	}
	if sc.pos == start {
		return "", sc.errorf("expected identifier")
	}
	return sc.s[start:sc.pos], nil
}

// group consumes a balanced parenthesized group and returns its inside
func (sc *defScanner) group() (string, error) {
	start := sc.pos
	depth := 0
	var quote byte
	for i := sc.pos; i < len(sc.s); i++ {
		c := sc.s[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(sc.s) && sc.s[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				sc.pos = i + 1
				return sc.s[start+1 : i], nil
			}
		}
	}
	return "", sc.errorf("unbalanced parentheses")
}

// topLevelKeyword returns the offset of word in s outside of parentheses
// and quotes, or -1
func topLevelKeyword(s, word string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 || i+len(word) > len(s) {
			continue
		}
		if i > 0 && isIdentByte(s[i-1]) {
			continue
		}
		if !strings.EqualFold(s[i:i+len(word)], word) {
			continue
		}
		if end := i + len(word); end < len(s) && isIdentByte(s[end]) {
			continue
		}
		return i
	}
	return -1
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
