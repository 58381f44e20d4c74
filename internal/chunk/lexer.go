package chunk

import "strings"

// Block is one tag-delimited section of a record body.
type Block struct {
	// Tag is the header tag with its marker stripped, original casing
	// preserved. Empty for the preamble block (text before the first
	// header).
	Tag string
	// Body is the block text: the header's inline value (if any) plus
	// every following line up to the next header.
	Body string
}

// lexState is the block lexer state.
type lexState int

const (
	statePreamble lexState = iota
	stateInBlock
)

// ParseBlocks scans text line by line and splits it into tag-delimited
// blocks. A header line (`#TAG` or `>>TAG`, optionally `: inline value`)
// starts a new block and flushes the previous one; other lines accumulate
// into the current block. Text before the first header becomes an untagged
// preamble block. Empty blocks are dropped. Text with no headers at all
// comes back as a single untagged block, it is the caller's job to treat
// that as a valid default block rather than discarding it.
func ParseBlocks(text string) []Block {
	var blocks []Block

	state := statePreamble
	var tag string
	var body []string

	flush := func() {
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if content != "" {
			blocks = append(blocks, Block{Tag: tag, Body: content})
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		headerTag, inline, isHeader := parseHeader(line)
		if isHeader {
			flush()
			state = stateInBlock
			tag = headerTag
			if inline != "" {
				body = append(body, inline)
			}
			continue
		}

		switch state {
		case statePreamble:
			// lines before any header accumulate into the untagged preamble
			body = append(body, line)
		case stateInBlock:
			body = append(body, line)
		}
	}
	flush()

	return blocks
}

// parseHeader reports whether line is a tag header and, if so, returns the
// tag and any inline value after the colon. A header starts with `#` or
// `>>`; the tag itself must be a single non-empty token, a `#` followed by
// prose ("# some heading") is body text, not a header.
func parseHeader(line string) (tag, inline string, ok bool) {
	trimmed := strings.TrimSpace(line)

	var rest string
	switch {
	case strings.HasPrefix(trimmed, ">>"):
		rest = trimmed[2:]
	case strings.HasPrefix(trimmed, "#"):
		rest = trimmed[1:]
	default:
		return "", "", false
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}

	if idx := strings.Index(rest, ":"); idx >= 0 {
		tag = strings.TrimSpace(rest[:idx])
		inline = strings.TrimSpace(rest[idx+1:])
	} else {
		tag = rest
	}

	if tag == "" || strings.ContainsAny(tag, " \t") {
		return "", "", false
	}

	return tag, inline, true
}

// NormalizeTag case-folds a tag for grouping and path construction.
// Display surfaces keep the original casing.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
