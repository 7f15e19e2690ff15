package logix

import (
	"strconv"
	"strings"

	"taglink/cip"
)

// SegmentKind distinguishes the parts of a tag path.
type SegmentKind uint8

const (
	SegName  SegmentKind = iota // symbolic name or member
	SegIndex                    // [i] or [i,j,k]
	SegBit                      // trailing .N on an integer
)

// Segment is one parsed element of a tag path.
type Segment struct {
	Kind    SegmentKind
	Name    string
	Indices []uint32
	Bit     int
}

// Address is a parsed tag path. It is purely syntactic.
type Address struct {
	Program  string
	Segments []Segment
}

const maxDims = 3

// ParseAddress parses a Logix tag path. program scopes the tag to a program;
// a "Program:Name." prefix in path does the same. Accepted forms include
//
//	Counter
//	TestUDT2[0].UDT1[0].STRING1
//	Matrix[1,2]
//	Program:MainProgram.Flags.5
func ParseAddress(path, program string) (*Address, error) {
	p := addrParser{path: path}
	a := &Address{Program: program}

	const prefix = "Program:"
	if len(path) > len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
		dot := strings.IndexByte(path, '.')
		if dot < 0 {
			return nil, p.fail(len(path), "program scope without a tag name")
		}
		scope := path[len(prefix):dot]
		if !validIdent(scope) {
			return nil, p.fail(len(prefix), "invalid program name")
		}
		if program != "" && !strings.EqualFold(program, scope) {
			return nil, p.fail(0, "path names program "+scope+" but scope is "+program)
		}
		a.Program = scope
		p.pos = dot + 1
	} else if program != "" && !validIdent(program) {
		return nil, p.fail(0, "invalid program name "+strconv.Quote(program))
	}

	name, err := p.name(true)
	if err != nil {
		return nil, err
	}
	a.Segments = append(a.Segments, Segment{Kind: SegName, Name: name})

	for !p.done() {
		switch p.peek() {
		case '[':
			idx, err := p.subscript()
			if err != nil {
				return nil, err
			}
			a.Segments = append(a.Segments, Segment{Kind: SegIndex, Indices: idx})
		case '.':
			p.pos++
			if p.done() {
				return nil, p.fail(p.pos, "trailing '.'")
			}
			if isDigit(p.peek()) {
				bit, err := p.bit()
				if err != nil {
					return nil, err
				}
				a.Segments = append(a.Segments, Segment{Kind: SegBit, Bit: bit})
				if !p.done() {
					return nil, p.fail(p.pos, "bit index must be last")
				}
				continue
			}
			member, err := p.name(false)
			if err != nil {
				return nil, err
			}
			a.Segments = append(a.Segments, Segment{Kind: SegName, Name: member})
		default:
			return nil, p.fail(p.pos, "unexpected "+strconv.QuoteRune(rune(p.peek())))
		}
	}
	return a, nil
}

// MustParseAddress is ParseAddress for literals. It panics on error.
func MustParseAddress(path, program string) *Address {
	a, err := ParseAddress(path, program)
	if err != nil {
		panic(err)
	}
	return a
}

// Bit returns the trailing bit index, if any.
func (a *Address) Bit() (int, bool) {
	if n := len(a.Segments); n > 0 && a.Segments[n-1].Kind == SegBit {
		return a.Segments[n-1].Bit, true
	}
	return 0, false
}

// Host returns the address without its bit index.
func (a *Address) Host() *Address {
	if _, ok := a.Bit(); !ok {
		return a
	}
	return &Address{Program: a.Program, Segments: a.Segments[:len(a.Segments)-1]}
}

// Base returns the address of the root symbol.
func (a *Address) Base() *Address {
	return &Address{Program: a.Program, Segments: a.Segments[:1]}
}

// EPath builds the request path. A bit index is not part of the path; the
// host integer is read and the bit extracted.
func (a *Address) EPath() (cip.EPath_t, error) {
	b := cip.EPath()
	if a.Program != "" {
		b = b.Symbol("Program:" + a.Program)
	}
	for _, s := range a.Segments {
		switch s.Kind {
		case SegName:
			b = b.Symbol(s.Name)
		case SegIndex:
			for _, i := range s.Indices {
				b = b.Element(i)
			}
		}
	}
	return b.Build()
}

// String renders the canonical path, including the program prefix.
func (a *Address) String() string {
	var sb strings.Builder
	if a.Program != "" {
		sb.WriteString("Program:")
		sb.WriteString(a.Program)
		sb.WriteByte('.')
	}
	for i, s := range a.Segments {
		switch s.Kind {
		case SegName:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(s.Name)
		case SegIndex:
			sb.WriteByte('[')
			for j, idx := range s.Indices {
				if j > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(strconv.FormatUint(uint64(idx), 10))
			}
			sb.WriteByte(']')
		case SegBit:
			sb.WriteByte('.')
			sb.WriteString(strconv.Itoa(s.Bit))
		}
	}
	return sb.String()
}

type addrParser struct {
	path string
	pos  int
}

func (p *addrParser) done() bool { return p.pos >= len(p.path) }
func (p *addrParser) peek() byte { return p.path[p.pos] }

func (p *addrParser) fail(pos int, msg string) error {
	return &AddressError{Path: p.path, Pos: pos, Msg: msg}
}

// name reads an identifier. Base names may contain ':' after the first
// character, as module-defined I/O tags do (Local:1:I).
func (p *addrParser) name(base bool) (string, error) {
	start := p.pos
	if p.done() {
		return "", p.fail(p.pos, "missing name")
	}
	if c := p.peek(); !isIdentStart(c) {
		return "", p.fail(p.pos, "name must start with a letter or '_'")
	}
	p.pos++
	for !p.done() {
		c := p.peek()
		if isIdentStart(c) || isDigit(c) || (base && c == ':') {
			p.pos++
			continue
		}
		break
	}
	name := p.path[start:p.pos]
	if len(name) > 255 {
		return "", p.fail(start, "name longer than 255 bytes")
	}
	if strings.HasSuffix(name, ":") {
		return "", p.fail(p.pos-1, "name ends with ':'")
	}
	return name, nil
}

func (p *addrParser) subscript() ([]uint32, error) {
	open := p.pos
	p.pos++
	var out []uint32
	for {
		start := p.pos
		for !p.done() && isDigit(p.peek()) {
			p.pos++
		}
		if start == p.pos {
			return nil, p.fail(p.pos, "expected array index")
		}
		n, err := strconv.ParseUint(p.path[start:p.pos], 10, 32)
		if err != nil {
			return nil, p.fail(start, "array index out of range")
		}
		out = append(out, uint32(n))
		if len(out) > maxDims {
			return nil, p.fail(start, "more than 3 dimensions")
		}
		if p.done() {
			return nil, p.fail(open, "unclosed '['")
		}
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return out, nil
		default:
			return nil, p.fail(p.pos, "expected ',' or ']'")
		}
	}
}

func (p *addrParser) bit() (int, error) {
	start := p.pos
	for !p.done() && isDigit(p.peek()) {
		p.pos++
	}
	n, err := strconv.Atoi(p.path[start:p.pos])
	if err != nil || n > 63 {
		return 0, p.fail(start, "bit index outside 0..63")
	}
	return n, nil
}

func validIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentStart(s[i]) && !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
