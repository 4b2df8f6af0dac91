package validation

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidFrontmatter = errors.New("invalid golden path: missing or malformed YAML frontmatter")
	ErrDocumentTooLarge   = errors.New("golden path document too large")
)

// MaxDocumentSize is the upload limit when the server config sets none.
const MaxDocumentSize = 1 << 20

const fence = "---"

// Frontmatter is the YAML block at the top of a golden path document. Only
// the listed keys are interpreted; the rest is kept in Extra.
type Frontmatter struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Tags        []string       `yaml:"tags"`
	Extra       map[string]any `yaml:",inline"`
}

// ValidateDocumentSize rejects empty documents and documents above max bytes
// (MaxDocumentSize when max <= 0).
func ValidateDocumentSize(size, max int64) error {
	if max <= 0 {
		max = MaxDocumentSize
	}
	if size == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidFrontmatter)
	}
	if size > max {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrDocumentTooLarge, size, max)
	}
	return nil
}

// ParseFrontmatter splits content into its frontmatter and markdown body.
// The document must open with a "---" line and the block must be closed by a
// second "---" line.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !utf8.Valid(content) {
		return nil, nil, fmt.Errorf("%w: document is not UTF-8", ErrInvalidFrontmatter)
	}
	content = bytes.TrimPrefix(content, []byte("\ufeff"))

	first, rest, found := cutLine(content)
	if string(bytes.TrimRight(first, " \t")) != fence || !found {
		return nil, nil, ErrInvalidFrontmatter
	}

	var block []byte
	closed := false
	for len(rest) > 0 {
		var line []byte
		line, rest, _ = cutLine(rest)
		if string(bytes.TrimRight(line, " \t")) == fence {
			closed = true
			break
		}
		block = append(block, line...)
		block = append(block, '\n')
	}
	if !closed {
		return nil, nil, fmt.Errorf("%w: unterminated block", ErrInvalidFrontmatter)
	}

	fm := &Frontmatter{}
	if len(bytes.TrimSpace(block)) > 0 {
		var node yaml.Node
		if err := yaml.Unmarshal(block, &node); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
		}
		// a block holding only comments parses to an empty document
		if len(node.Content) > 0 {
			if node.Content[0].Kind != yaml.MappingNode {
				return nil, nil, fmt.Errorf("%w: frontmatter must be a mapping", ErrInvalidFrontmatter)
			}
			if err := node.Content[0].Decode(fm); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
			}
		}
	}
	return fm, rest, nil
}

// cutLine returns the first line without its terminator (LF or CRLF).
func cutLine(b []byte) (line, rest []byte, found bool) {
	line, rest, found = bytes.Cut(b, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r")), rest, found
}
