package codegen

import "strings"

// Buffer is the geometrically-growing text buffer code generation appends
// to: emitted output is a text buffer that grows geometrically.
// strings.Builder already grows geometrically and has no unsafe C-string
// boundary to manage, so it replaces the hand-rolled realloc/memccpy dance
// rather than reimplementing it.
type Buffer struct {
	b strings.Builder
}

func (buf *Buffer) Put(s string) {
	buf.b.WriteString(s)
}

func (buf *Buffer) Line(s string) {
	buf.b.WriteString(s)
	buf.b.WriteByte('\n')
}

func (buf *Buffer) Get() string {
	return buf.b.String()
}

func (buf *Buffer) Clear() {
	buf.b.Reset()
}

func (buf *Buffer) Len() int {
	return buf.b.Len()
}
