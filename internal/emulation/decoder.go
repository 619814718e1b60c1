// Package emulation reconstructs the terminal-visible form of a command
// string before policy inspection. A command containing VT100/xterm escape
// sequences can render differently from its raw bytes ("rm\x1b[1C-rf /"
// renders as "rm -rf /"), so the policy engine must inspect what a terminal
// would show, never the raw string.
package emulation

import (
	vte "github.com/danielgatis/go-vte"
)

// DecodeResult is the output of one decoder pass. Visible is the single-line
// string a terminal would render. Obfuscated is true when the input contained
// control sequences that alter visible content (cursor movement, backspace,
// erase) — an automation agent has no legitimate reason to send those inside
// a command, so the caller treats the signal as hostile.
type DecodeResult struct {
	Visible    string
	Obfuscated bool
}

// Decoder turns raw command bytes into their rendered form. It wraps
// github.com/danielgatis/go-vte, which implements the Paul Williams state
// machine for DEC VT terminals. A Decoder is stateless and safe to reuse.
type Decoder struct{}

// NewDecoder creates a Decoder ready for use.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses raw and replays the resulting events against a single-line
// buffer, the way a terminal cursor would move over one command line.
func (d *Decoder) Decode(raw []byte) DecodeResult {
	line := &lineBuffer{}
	parser := vte.NewParser(line)
	for _, b := range raw {
		parser.Advance(b)
	}
	return DecodeResult{
		Visible:    line.visible(),
		Obfuscated: line.obfuscated,
	}
}

// lineBuffer receives vte parser callbacks and maintains the rendered line.
// buf holds runes, cursor is the write position within buf.
type lineBuffer struct {
	buf        []rune
	cursor     int
	obfuscated bool
}

func (l *lineBuffer) visible() string {
	return string(l.buf)
}

func (l *lineBuffer) control() {
	l.obfuscated = true
}

// Print writes a printable rune at the cursor, overwriting when the cursor
// sits inside the line.
func (l *lineBuffer) Print(r rune) {
	if l.cursor < len(l.buf) {
		l.buf[l.cursor] = r
	} else {
		l.buf = append(l.buf, r)
	}
	l.cursor++
}

// Execute handles C0 control bytes. TAB is ordinary shell whitespace and is
// kept in the line verbatim. Backspace/DEL rewrite the line and are flagged.
// Every other C0 byte (BEL, CR, LF, VT, FF...) is flagged too: dropping one
// silently would hand the transport a different command than the caller sent.
func (l *lineBuffer) Execute(b byte) {
	switch b {
	case 0x09:
		l.Print('\t')
	case 0x08, 0x7f:
		l.control()
		if l.cursor > 0 {
			l.cursor--
			l.buf = l.buf[:l.cursor]
		}
	default:
		l.control()
	}
}

// CsiDispatch handles CSI sequences: cursor movement and erase-in-line are
// applied to the buffer, everything else is ignored.
func (l *lineBuffer) CsiDispatch(params [][]uint16, _ []byte, _ bool, r rune) {
	first := 0
	if len(params) > 0 && len(params[0]) > 0 {
		first = int(params[0][0])
	}
	n := first
	if n == 0 {
		n = 1
	}

	switch r {
	case 'C': // cursor forward
		l.control()
		if l.cursor+n <= len(l.buf) {
			l.cursor += n
		} else {
			l.cursor = len(l.buf)
		}
	case 'D': // cursor back
		l.control()
		if l.cursor-n >= 0 {
			l.cursor -= n
		} else {
			l.cursor = 0
		}
	case 'A', 'B': // cursor up/down — single-line buffer, treat as erase-to-end
		l.control()
		l.buf = l.buf[:l.cursor]
	case 'K': // erase in line
		l.control()
		switch first {
		case 0:
			l.buf = l.buf[:l.cursor]
		case 1:
			for i := 0; i < l.cursor && i < len(l.buf); i++ {
				l.buf[i] = ' '
			}
		case 2:
			l.buf = l.buf[:0]
			l.cursor = 0
		}
	case 'J': // erase in display
		l.control()
	}
}

// Remaining vte callbacks: OSC title setting, DCS passthrough and bare ESC
// sequences never change the rendered command line. They are not flagged as
// obfuscation either — shells emit them routinely.
func (l *lineBuffer) EscDispatch(_ []byte, _ bool, _ byte)        {}
func (l *lineBuffer) OscDispatch(_ [][]byte, _ bool)              {}
func (l *lineBuffer) Hook(_ [][]uint16, _ []byte, _ bool, _ rune) {}
func (l *lineBuffer) Put(_ byte)                                  {}
func (l *lineBuffer) Unhook()                                     {}
