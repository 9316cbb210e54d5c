package codec

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// TokenType identifies the kind of token read by a Tokenizer
type TokenType int

const (
	TokenEnd TokenType = iota
	TokenString
	TokenNumber
	TokenTrue
	TokenFalse
	TokenNull
	TokenObjectStart
	TokenObjectEnd
	TokenArrayStart
	TokenArrayEnd
	TokenColon
	TokenComma
	TokenError
)

var tokenNames = [...]string{
	"end", "string", "number", "true", "false", "null",
	"'{'", "'}'", "'['", "']'", "':'", "','", "error",
}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "unknown"
}

// Tokenizer reads tokens from an encoded string. It keeps one token of
// lookahead: Read consumes the current token, Matches consumes it only if it
// has the expected type.
type Tokenizer struct {
	input     string
	pos       int
	current   TokenType
	currToken string
	lastToken string
	err       error
}

// NewTokenizer creates a tokenizer positioned on the first token
func NewTokenizer(input string) *Tokenizer {
	t := &Tokenizer{input: input}
	t.advance()
	return t
}

// Peek returns the type of the next token without consuming it
func (t *Tokenizer) Peek() TokenType {
	return t.current
}

// Read consumes and returns the next token type
func (t *Tokenizer) Read() TokenType {
	tt := t.current
	t.lastToken = t.currToken
	if tt != TokenEnd && tt != TokenError {
		t.advance()
	}
	return tt
}

// Matches consumes the next token if it has type tt
func (t *Tokenizer) Matches(tt TokenType) bool {
	if t.current != tt {
		return false
	}
	t.Read()
	return true
}

// ReadExpected consumes a token of type tt and returns its text
func (t *Tokenizer) ReadExpected(tt TokenType) (string, error) {
	if t.current != tt {
		return "", t.unexpected(tt.String())
	}
	t.Read()
	return t.lastToken, nil
}

// Token returns the text of the last consumed token. String tokens are
// returned unescaped.
func (t *Tokenizer) Token() string {
	return t.lastToken
}

// Pos returns the current byte offset
func (t *Tokenizer) Pos() int {
	return t.pos
}

// Err returns the scan error that produced a TokenError
func (t *Tokenizer) Err() error {
	return t.err
}

func (t *Tokenizer) unexpected(expected string) error {
	if t.current == TokenError {
		return t.err
	}
	return fmt.Errorf("expected %s but got %s at position %d", expected, t.current, t.pos)
}

func (t *Tokenizer) fail(format string, args ...any) {
	t.current = TokenError
	t.currToken = ""
	t.err = fmt.Errorf(format, args...)
}

func (t *Tokenizer) advance() {
	for t.pos < len(t.input) {
		switch t.input[t.pos] {
		case ' ', '\t', '\n', '\r':
			t.pos++
			continue
		}
		break
	}
	if t.pos >= len(t.input) {
		t.current = TokenEnd
		t.currToken = ""
		return
	}

	start := t.pos
	c := t.input[t.pos]
	switch c {
	case '{':
		t.punct(TokenObjectStart)
	case '}':
		t.punct(TokenObjectEnd)
	case '[':
		t.punct(TokenArrayStart)
	case ']':
		t.punct(TokenArrayEnd)
	case ':':
		t.punct(TokenColon)
	case ',':
		t.punct(TokenComma)
	case '"':
		t.readString()
	default:
		switch {
		case c == '-' || (c >= '0' && c <= '9'):
			for t.pos < len(t.input) && strings.IndexByte("+-.0123456789eE", t.input[t.pos]) >= 0 {
				t.pos++
			}
			t.current = TokenNumber
			t.currToken = t.input[start:t.pos]
		case c >= 'a' && c <= 'z':
			for t.pos < len(t.input) && t.input[t.pos] >= 'a' && t.input[t.pos] <= 'z' {
				t.pos++
			}
			word := t.input[start:t.pos]
			t.currToken = word
			switch word {
			case "true":
				t.current = TokenTrue
			case "false":
				t.current = TokenFalse
			case "null":
				t.current = TokenNull
			default:
				t.fail("unknown literal %q at position %d", word, start)
			}
		default:
			t.fail("unexpected character %q at position %d", c, start)
		}
	}
}

func (t *Tokenizer) punct(tt TokenType) {
	t.currToken = t.input[t.pos : t.pos+1]
	t.current = tt
	t.pos++
}

func (t *Tokenizer) readString() {
	start := t.pos
	t.pos++
	var sb strings.Builder
	for {
		if t.pos >= len(t.input) {
			t.fail("unterminated string starting at position %d", start)
			return
		}
		c := t.input[t.pos]
		switch {
		case c == '"':
			t.pos++
			t.current = TokenString
			t.currToken = sb.String()
			return
		case c == '\\':
			if !t.readEscape(&sb) {
				return
			}
		default:
			sb.WriteByte(c)
			t.pos++
		}
	}
}

func (t *Tokenizer) readEscape(sb *strings.Builder) bool {
	if t.pos+1 >= len(t.input) {
		t.fail("incomplete escape at position %d", t.pos)
		return false
	}
	c := t.input[t.pos+1]
	t.pos += 2
	switch c {
	case '"', '\\', '/':
		sb.WriteByte(c)
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'n':
		sb.WriteByte('\n')
	case 'r':
		sb.WriteByte('\r')
	case 't':
		sb.WriteByte('\t')
	case 'u':
		r, ok := t.readHex4()
		if !ok {
			return false
		}
		if utf16.IsSurrogate(r) && r < 0xdc00 && strings.HasPrefix(t.input[t.pos:], `\u`) {
			save := t.pos
			t.pos += 2
			lo, ok := t.readHex4()
			if !ok {
				return false
			}
			if pair := utf16.DecodeRune(r, lo); pair != unicode.ReplacementChar {
				sb.WriteRune(pair)
				return true
			}
			t.pos = save
		}
		sb.WriteRune(r)
	default:
		t.fail("invalid escape '\\%c' at position %d", c, t.pos-2)
		return false
	}
	return true
}

func (t *Tokenizer) readHex4() (rune, bool) {
	if t.pos+4 > len(t.input) {
		t.fail("incomplete unicode escape at position %d", t.pos)
		return 0, false
	}
	v, err := strconv.ParseUint(t.input[t.pos:t.pos+4], 16, 32)
	if err != nil {
		t.fail("invalid unicode escape %q at position %d", t.input[t.pos:t.pos+4], t.pos)
		return 0, false
	}
	t.pos += 4
	return rune(v), true
}
