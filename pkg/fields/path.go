package fields

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	SplitToken     = "."
	IndexOpenChar  = "["
	IndexCloseChar = "]"
)

var (
	ErrMalformedIndex    = errors.New("malformed index key")
	ErrInvalidIndexUsage = errors.New("invalid index key usage")
	ErrIndexOutOfBounds  = errors.New("index out of bounds")
	ErrNotFound          = errors.New("field not found")
)

type segment struct {
	key   string
	index int // -1 when the segment has no [i]
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, SplitToken)
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegment(part string) (segment, error) {
	open := strings.Index(part, IndexOpenChar)
	if open == -1 {
		if strings.Contains(part, IndexCloseChar) {
			return segment{}, ErrMalformedIndex
		}
		return segment{key: part, index: -1}, nil
	}
	if !strings.HasSuffix(part, IndexCloseChar) {
		return segment{}, ErrMalformedIndex
	}
	index, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || index < 0 {
		return segment{}, ErrMalformedIndex
	}
	return segment{key: part[:open], index: index}, nil
}

// Get reads a dot path such as "properties.amount" or "lines[0].price" from a
// JSON-shaped document.
func Get(doc map[string]any, path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	var current any = doc
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: '%s' is not an object", ErrNotFound, seg.key)
		}
		value, ok := m[seg.key]
		if !ok {
			return nil, fmt.Errorf("%w: unable to find the key '%s'", ErrNotFound, seg.key)
		}
		if seg.index >= 0 {
			list, ok := value.([]any)
			if !ok {
				return nil, ErrInvalidIndexUsage
			}
			if seg.index >= len(list) {
				return nil, ErrIndexOutOfBounds
			}
			value = list[seg.index]
		}
		current = value
	}
	return current, nil
}

// Lookup is Get that reports absence instead of an error.
func Lookup(doc map[string]any, path string) (any, bool) {
	v, err := Get(doc, path)
	return v, err == nil
}

// Set writes value at path, creating intermediate objects. Indexed segments
// must address an existing list element or the slot right after the end.
func Set(doc map[string]any, path string, value any) error {
	if doc == nil {
		return fmt.Errorf("cannot assign into a nil document")
	}
	segments, err := parsePath(path)
	if err != nil {
		return err
	}

	current := doc
	for i, seg := range segments {
		last := i == len(segments)-1

		if seg.index < 0 {
			if last {
				current[seg.key] = value
				return nil
			}
			next, ok := current[seg.key].(map[string]any)
			if !ok {
				next = map[string]any{}
				current[seg.key] = next
			}
			current = next
			continue
		}

		list, _ := current[seg.key].([]any)
		switch {
		case seg.index < len(list):
		case seg.index == len(list):
			list = append(list, nil)
		default:
			return ErrIndexOutOfBounds
		}
		current[seg.key] = list

		if last {
			list[seg.index] = value
			return nil
		}
		next, ok := list[seg.index].(map[string]any)
		if !ok {
			next = map[string]any{}
			list[seg.index] = next
		}
		current = next
	}
	return nil
}
