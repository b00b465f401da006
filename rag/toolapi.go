package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// ToolFunc is the single string-in, string-out contract an external callable
// must satisfy.
type ToolFunc func(ctx context.Context, input string) (string, error)

// Tool pairs a callable with the lexical triggers that select it.
type Tool struct {
	Name     string
	Keywords []string
	Fn       ToolFunc
}

// ToolBackend invokes external tools and APIs. The tool is chosen by lexical
// matching of the query against each tool's keywords; the first registered
// tool acts as the fallback when nothing matches.
type ToolBackend struct {
	tools  []Tool
	logger *zap.Logger
}

// NewToolBackend builds the backend from the given tools.
func NewToolBackend(logger *zap.Logger, tools ...Tool) *ToolBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolBackend{
		tools:  tools,
		logger: logger.With(zap.String("component", "tool_backend")),
	}
}

// Kind implements Backend.
func (b *ToolBackend) Kind() types.SourceKind { return types.SourceToolAPI }

// Retrieve implements Backend. The mode argument is ignored.
func (b *ToolBackend) Retrieve(ctx context.Context, query string, _ types.KnowledgeMode) (*types.RetrievalResult, error) {
	tool, ok := b.selectTool(query)
	if !ok {
		return nil, types.NewError(types.ErrBackendUnavailable, "no tool registered")
	}

	b.logger.Debug("invoking tool", zap.String("tool", tool.Name))
	out, err := tool.Fn(ctx, query)
	if err != nil {
		return nil, err
	}

	return &types.RetrievalResult{
		SourceKind:  types.SourceToolAPI,
		RawMetadata: map[string]any{"tool": tool.Name},
		Items: []types.ContextItem{{
			Text:     out,
			SourceID: tool.Name,
			Score:    1.0,
			Mode:     "tool",
		}},
	}, nil
}

// selectTool returns the first tool whose keywords appear in the query, or
// the first registered tool as fallback.
func (b *ToolBackend) selectTool(query string) (Tool, bool) {
	if len(b.tools) == 0 {
		return Tool{}, false
	}
	q := strings.ToLower(query)
	for _, t := range b.tools {
		for _, kw := range t.Keywords {
			if strings.Contains(q, kw) {
				return t, true
			}
		}
	}
	return b.tools[0], true
}

// CalculatorTool evaluates basic arithmetic expressions found in the query.
// It accepts +, -, *, /, parentheses, and decimal numbers.
func CalculatorTool() Tool {
	return Tool{
		Name:     "calculator",
		Keywords: []string{"calculate", "compute", "math", "+", "-", "*", "/"},
		Fn: func(_ context.Context, input string) (string, error) {
			expr := extractExpression(input)
			if expr == "" {
				return "", types.NewError(types.ErrBackendProtocol, "no arithmetic expression in query")
			}
			value, err := evalExpression(expr)
			if err != nil {
				return "", types.NewError(types.ErrBackendProtocol, "invalid expression").WithCause(err)
			}
			return fmt.Sprintf("%s = %s", expr, strconv.FormatFloat(value, 'f', -1, 64)), nil
		},
	}
}

// extractExpression strips everything but arithmetic characters.
func extractExpression(input string) string {
	var b strings.Builder
	for _, r := range input {
		if (r >= '0' && r <= '9') || strings.ContainsRune("+-*/(). ", r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// evalExpression is a small recursive-descent evaluator over + - * / and
// parentheses.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: strings.ReplaceAll(expr, " ", "")}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character at position %d", p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			break
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			break
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] == '.' || (p.input[p.pos] >= '0' && p.input[p.pos] <= '9')) {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}
