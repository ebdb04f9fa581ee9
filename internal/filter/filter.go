// Package filter evaluates jq expressions against inbound payloads.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

var (
	// ErrSyntax is returned when the expression does not parse or compile.
	ErrSyntax = errors.New("filter syntax error")
	// ErrTimeout is returned when evaluation exceeds the configured timeout.
	ErrTimeout = errors.New("filter timed out")
	// ErrTooLarge is returned when the rendered output exceeds the cap.
	ErrTooLarge = errors.New("filter output too large")
)

const cacheLimit = 256

type Engine struct {
	timeout   time.Duration
	maxOutput int

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewEngine(timeout time.Duration, maxOutput int) *Engine {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	return &Engine{
		timeout:   timeout,
		maxOutput: maxOutput,
		cache:     map[string]*gojq.Code{},
	}
}

// Apply runs the expression against the payload and renders the outputs
// the way jq --raw-output --compact-output would: top-level strings emit
// bare, other values as compact JSON, multiple outputs joined by newline.
// Null outputs are skipped so missing fields suppress the comment rather
// than posting "null". Payloads that are not valid JSON are fed to the
// expression as a single string value.
func (e *Engine) Apply(ctx context.Context, payload []byte, expression string) (string, error) {
	code, err := e.compile(expression)
	if err != nil {
		return "", err
	}

	var input interface{}
	if err := json.Unmarshal(payload, &input); err != nil {
		input = string(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out strings.Builder
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return "", ErrTimeout
			}
			return "", fmt.Errorf("filter evaluation: %w", err)
		}
		if v == nil {
			continue
		}

		var piece string
		if s, ok := v.(string); ok {
			piece = s
		} else {
			b, err := gojq.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("filter evaluation: %w", err)
			}
			piece = string(b)
		}

		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(piece)
		if out.Len() > e.maxOutput {
			return "", ErrTooLarge
		}
	}

	return out.String(), nil
}

func (e *Engine) compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	e.mu.Lock()
	if len(e.cache) >= cacheLimit {
		e.cache = map[string]*gojq.Code{}
	}
	e.cache[expression] = code
	e.mu.Unlock()

	return code, nil
}
