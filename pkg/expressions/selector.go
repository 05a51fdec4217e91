package expressions

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Selector evaluates JMESPath expressions against decoded JSON payloads and
// caches compiled expressions.
type Selector struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewSelector() *Selector {
	return &Selector{cache: make(map[string]*jmespath.JMESPath)}
}

func (s *Selector) Select(expression string, data any) (any, error) {
	compiled, err := s.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// SelectString returns "" for a null result. Numbers are formatted without exponent.
func (s *Selector) SelectString(expression string, data any) (string, error) {
	result, err := s.Select(expression, data)
	if err != nil || result == nil {
		return "", err
	}
	switch v := result.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// SelectFloat returns ok=false when the result is null or not numeric.
// Numeric strings are parsed, since CRM webhooks often send amounts as text.
func (s *Selector) SelectFloat(expression string, data any) (float64, bool, error) {
	result, err := s.Select(expression, data)
	if err != nil || result == nil {
		return 0, false, err
	}
	switch v := result.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, nil
		}
		return f, true, nil
	}
	return 0, false, nil
}

func (s *Selector) Validate(expression string) error {
	_, err := s.compile(expression)
	return err
}

func (s *Selector) compile(expression string) (*jmespath.JMESPath, error) {
	s.mu.RLock()
	if compiled, ok := s.cache[expression]; ok {
		s.mu.RUnlock()
		return compiled, nil
	}
	s.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[expression] = compiled
	s.mu.Unlock()
	return compiled, nil
}
