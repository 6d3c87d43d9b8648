package protocol

import (
	"fmt"
	"strings"
)

// MaxLineLen bounds the length of a single command line, including the
// terminating newline. Longer input is rejected before allocation grows.
const MaxLineLen = 4096

// terminator placeholder used by Encode for payloads that embed newlines.
const newlinePlaceholder = "\\n"

// Decode parses one newline-terminated command line into a Command.
// Fields are whitespace-separated tokens; the first token is the command
// name. Returns ErrMalformedCommand (wrapped with detail) on empty input,
// a missing terminator, or an oversized line.
func Decode(raw []byte) (Command, error) {
	if len(raw) == 0 {
		return Command{}, fmt.Errorf("%w: empty input", ErrMalformedCommand)
	}
	if len(raw) > MaxLineLen {
		return Command{}, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedCommand, MaxLineLen)
	}
	if raw[len(raw)-1] != '\n' {
		return Command{}, fmt.Errorf("%w: missing line terminator", ErrMalformedCommand)
	}

	line := strings.TrimRight(string(raw), "\r\n")
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, fmt.Errorf("%w: blank line", ErrMalformedCommand)
	}

	return Command{Name: tokens[0], Args: tokens[1:]}, nil
}

// EncodeCommand renders a Command back to its wire form. Decode and
// EncodeCommand round-trip for any well-formed line with single-space
// separators and no embedded terminators.
func EncodeCommand(cmd Command) []byte {
	parts := append([]string{cmd.Name}, cmd.Args...)
	return []byte(strings.Join(parts, " ") + "\n")
}

// Encode renders a Reply as a single wire line. It never fails: embedded
// line terminators in the payload are replaced with a placeholder so one
// reply always occupies exactly one line.
func Encode(r Reply) []byte {
	var b strings.Builder
	b.WriteString(string(r.Status))
	if r.Status == StatusError && r.Kind != "" {
		b.WriteByte(' ')
		b.WriteString(r.Kind)
	}
	if r.Payload != "" {
		b.WriteByte(' ')
		b.WriteString(sanitize(r.Payload))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func sanitize(payload string) string {
	payload = strings.ReplaceAll(payload, "\r\n", newlinePlaceholder)
	payload = strings.ReplaceAll(payload, "\n", newlinePlaceholder)
	return strings.ReplaceAll(payload, "\r", newlinePlaceholder)
}
