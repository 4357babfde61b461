package configvalue

import "strings"

// SymbolizeKeys rewrites every plain mapping key of a YAML document into the
// symbolic form read by sidekiq (`queues:` becomes `:queues:`).
//
// The rewrite works line by line and never re-serializes the document:
//   - indentation and `- ` sequence markers in front of a key are kept as is
//   - a key is the text before the first ": " (or a trailing ":") of the line
//   - only plain keys are rewritten; quoted, already symbolic and other
//     indicator-prefixed keys are left alone
//   - lines belonging to a block scalar (`|` or `>`) are never touched
//
// Applying SymbolizeKeys to its own output returns the output unchanged.
func SymbolizeKeys(doc string) string {
	lines := strings.SplitAfter(doc, "\n")

	blockParent := -1
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		eol := line[len(body):]

		if blockParent >= 0 {
			if strings.TrimSpace(body) == "" || leadingSpaces(body) > blockParent {
				continue
			}
			blockParent = -1
		}

		rewritten, parent := symbolizeLine(body)
		lines[i] = rewritten + eol
		blockParent = parent
	}

	return strings.Join(lines, "")
}

// symbolizeLine rewrites a single line. The second result is the column that
// owns a block scalar opened on this line, or -1.
func symbolizeLine(line string) (string, int) {
	column := leadingSpaces(line)
	rest := line[column:]

	if rest == "" || rest[0] == '#' || strings.HasPrefix(rest, "---") || strings.HasPrefix(rest, "...") {
		return line, -1
	}

	markerColumn := -1
	for strings.HasPrefix(rest, "- ") {
		markerColumn = column
		column += 2
		rest = rest[2:]

		spaces := leadingSpaces(rest)
		column += spaces
		rest = rest[spaces:]
	}

	keyEnd := keyLength(rest)
	if keyEnd < 0 {
		if markerColumn >= 0 && isBlockScalarHeader(rest) {
			return line, markerColumn
		}
		return line, -1
	}

	rewritten := line
	if isPlainKey(rest[:keyEnd]) {
		rewritten = line[:column] + ":" + rest
	}

	if isBlockScalarHeader(strings.TrimSpace(rest[keyEnd+1:])) {
		return rewritten, column
	}
	return rewritten, -1
}

// keyLength returns the index of the colon that terminates a mapping key, or -1
func keyLength(text string) int {
	for i := 0; i < len(text); i++ {
		if text[i] != ':' {
			continue
		}
		if i == len(text)-1 || text[i+1] == ' ' || text[i+1] == '\t' {
			return i
		}
	}
	return -1
}

func isPlainKey(key string) bool {
	if key == "" || strings.ContainsAny(key, " \t") {
		return false
	}
	return !strings.ContainsRune(":\"'#-?!&*[{|>%@`", rune(key[0]))
}

func isBlockScalarHeader(value string) bool {
	if value == "" || (value[0] != '|' && value[0] != '>') {
		return false
	}
	return strings.Trim(value[1:], "+-0123456789") == ""
}

func leadingSpaces(text string) int {
	return len(text) - len(strings.TrimLeft(text, " "))
}

// Render encodes the value and symbolizes its keys
func Render(v Value) ([]byte, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return []byte(SymbolizeKeys(string(data))), nil
}
