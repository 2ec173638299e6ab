package runner

import (
	"errors"
	"strings"
	"unicode"
)

// ErrUnterminatedQuote indicates a quoted argument was never closed
var ErrUnterminatedQuote = errors.New("unterminated quote in command")

// Chunk splits a command line into argv. Whitespace separates arguments
// except inside single or double quotes, which group words into one
// argument and are themselves removed. Quotes may appear mid-word:
// --name="a b" yields --name=a b.
func Chunk(cmd string) ([]string, error) {
	args := []string{}

	var (
		cur   strings.Builder
		inArg bool
		quote rune
	)

	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
