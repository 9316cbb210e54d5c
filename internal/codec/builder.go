// Package codec implements the compact JSON-like token format used to
// persist documents.
package codec

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

const hexDigits = "0123456789abcdef"

// Builder writes a token stream, inserting commas between values as needed.
type Builder struct {
	buf       strings.Builder
	needComma bool
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) optionalComma() {
	if b.needComma {
		b.buf.WriteByte(',')
	}
}

// Object opens an object
func (b *Builder) Object() *Builder {
	b.optionalComma()
	b.buf.WriteByte('{')
	b.needComma = false
	return b
}

// EndObject closes an object
func (b *Builder) EndObject() *Builder {
	b.buf.WriteByte('}')
	b.needComma = true
	return b
}

// Array opens an array
func (b *Builder) Array() *Builder {
	b.optionalComma()
	b.buf.WriteByte('[')
	b.needComma = false
	return b
}

// EndArray closes an array
func (b *Builder) EndArray() *Builder {
	b.buf.WriteByte(']')
	b.needComma = true
	return b
}

// Key writes an object key followed by a colon
func (b *Builder) Key(name string) *Builder {
	b.optionalComma()
	writeQuoted(&b.buf, name)
	b.buf.WriteByte(':')
	b.needComma = false
	return b
}

// Value writes a quoted string value
func (b *Builder) Value(s string) *Builder {
	b.optionalComma()
	writeQuoted(&b.buf, s)
	b.needComma = true
	return b
}

// Int writes an integer value
func (b *Builder) Int(i int64) *Builder {
	return b.Encoded(strconv.FormatInt(i, 10))
}

// Float writes a floating point value. The output always carries a decimal
// point or exponent so it reads back as a float.
func (b *Builder) Float(f float64) *Builder {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return b.Encoded(s)
}

// Bool writes true or false
func (b *Builder) Bool(v bool) *Builder {
	return b.Encoded(strconv.FormatBool(v))
}

// Null writes null
func (b *Builder) Null() *Builder {
	return b.Encoded("null")
}

// Encoded writes an already encoded token
func (b *Builder) Encoded(raw string) *Builder {
	b.optionalComma()
	b.buf.WriteString(raw)
	b.needComma = true
	return b
}

// Len returns the number of bytes written so far
func (b *Builder) Len() int {
	return b.buf.Len()
}

// Reset clears the builder for reuse
func (b *Builder) Reset() {
	b.buf.Reset()
	b.needComma = false
}

func (b *Builder) String() string {
	return b.buf.String()
}

// Quote returns s as a quoted string literal.
func Quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	writeQuoted(&sb, s)
	return sb.String()
}

// Escape returns s with every character outside printable ASCII escaped,
// without surrounding quotes. Characters above U+FFFF are written as
// UTF-16 surrogate pairs.
func Escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	writeEscaped(&sb, s)
	return sb.String()
}

func writeQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	writeEscaped(sb, s)
	sb.WriteByte('"')
}

func writeEscaped(sb *strings.Builder, s string) {
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			switch {
			case r < ' ' || (r >= 0x7f && r < 0x10000):
				writeUnicodeEscape(sb, r)
			case r >= 0x10000:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(sb, hi)
				writeUnicodeEscape(sb, lo)
			default:
				sb.WriteRune(r)
			}
		}
	}
}

func writeUnicodeEscape(sb *strings.Builder, r rune) {
	sb.WriteString(`\u`)
	sb.WriteByte(hexDigits[(r>>12)&0xf])
	sb.WriteByte(hexDigits[(r>>8)&0xf])
	sb.WriteByte(hexDigits[(r>>4)&0xf])
	sb.WriteByte(hexDigits[r&0xf])
}
