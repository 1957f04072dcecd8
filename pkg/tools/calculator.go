package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const (
	calculatorName  = "calculate"
	maxExprLength   = 1000
	maxParseDepth   = 64
	maxFunctionArgs = 64
)

// CalculatorTool evaluates arithmetic expressions with a small recursive
// descent parser. The grammar deliberately matches what models emit for
// financial arithmetic: + - * / % along with ** (power) and // (floor
// division), a short function whitelist, and the constants pi and e.
// Anything outside that grammar is rejected, never executed.
type CalculatorTool struct{}

func NewCalculatorTool() *CalculatorTool { return &CalculatorTool{} }

func (t *CalculatorTool) Name() string { return calculatorName }

func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression. Supports + - * / % ** //, parentheses, " +
		"the constants pi and e, and the functions abs, round, min, max, sum, sqrt, log, log10, pow."
}

func (t *CalculatorTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Arithmetic expression to evaluate, e.g. (182.5 - 171.2) / 171.2 * 100",
			},
		},
		"required": []string{"expression"},
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	expr, ok := stringArg(args, "expression")
	if !ok || strings.TrimSpace(expr) == "" {
		return "", rejectInput(calculatorName, "missing expression argument")
	}
	if len(expr) > maxExprLength {
		return "", rejectInput(calculatorName, "expression exceeds %d characters", maxExprLength)
	}

	result, err := evaluateExpression(expr)
	if err != nil {
		return "", err
	}
	return formatNumber(result), nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Lexer.

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lexExpression(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case unicode.IsDigit(r) || r == '.':
			start := i
			seenExp := false
			for i < len(runes) {
				c := runes[i]
				if unicode.IsDigit(c) || c == '.' {
					i++
					continue
				}
				if (c == 'e' || c == 'E') && !seenExp && i > start {
					// Exponent must be followed by a digit or sign.
					if i+1 < len(runes) && (unicode.IsDigit(runes[i+1]) || runes[i+1] == '+' || runes[i+1] == '-') {
						seenExp = true
						i += 2
						continue
					}
				}
				break
			}
			text := string(runes[start:i])
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, rejectInput(calculatorName, "invalid number %q", text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: num})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i])})

		case r == '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				tokens = append(tokens, token{kind: tokOp, text: "**"})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokOp, text: "*"})
				i++
			}

		case r == '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				tokens = append(tokens, token{kind: tokOp, text: "//"})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokOp, text: "/"})
				i++
			}

		case r == '+' || r == '-' || r == '%':
			tokens = append(tokens, token{kind: tokOp, text: string(r)})
			i++

		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "("})
			i++

		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
			i++

		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ","})
			i++

		default:
			return nil, rejectInput(calculatorName, "unsupported character %q", string(r))
		}
	}

	tokens = append(tokens, token{kind: tokEOF})
	return tokens, nil
}

// Parser. Evaluates as it parses; there is nothing to gain from building a
// tree for single-shot expressions.

type exprParser struct {
	tokens []token
	pos    int
	depth  int
}

func evaluateExpression(expr string) (float64, error) {
	tokens, err := lexExpression(expr)
	if err != nil {
		return 0, err
	}

	p := &exprParser{tokens: tokens}
	result, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	if p.peek().kind != tokEOF {
		return 0, rejectInput(calculatorName, "unexpected token %q", p.peek().text)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("%s: result is not a finite number", calculatorName)
	}
	return result, nil
}

func (p *exprParser) peek() token { return p.tokens[p.pos] }

func (p *exprParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return rejectInput(calculatorName, "expression nesting too deep")
	}
	return nil
}

func (p *exprParser) leave() { p.depth-- }

func (p *exprParser) parseAddSub() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMulDiv()
		if err != nil {
			return 0, err
		}
		if t.text == "+" {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "//" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch t.text {
		case "*":
			left *= right
		case "/":
			if right == 0 {
				return 0, fmt.Errorf("%s: division by zero", calculatorName)
			}
			left /= right
		case "//":
			if right == 0 {
				return 0, fmt.Errorf("%s: division by zero", calculatorName)
			}
			left = math.Floor(left / right)
		case "%":
			if right == 0 {
				return 0, fmt.Errorf("%s: modulo by zero", calculatorName)
			}
			// Floored modulo, matching the sign of the divisor.
			r := math.Mod(left, right)
			if r != 0 && (r < 0) != (right < 0) {
				r += right
			}
			left = r
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if t.text == "-" {
			return -v, nil
		}
		return v, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	if t := p.peek(); t.kind == tokOp && t.text == "**" {
		p.next()
		// Right-associative; the exponent may carry its own sign.
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parsePrimary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil

	case tokLParen:
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return 0, rejectInput(calculatorName, "missing closing parenthesis")
		}
		return v, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		switch t.text {
		case "pi":
			return math.Pi, nil
		case "e":
			return math.E, nil
		default:
			return 0, rejectInput(calculatorName, "unknown identifier %q", t.text)
		}

	case tokEOF:
		return 0, rejectInput(calculatorName, "unexpected end of expression")

	default:
		return 0, rejectInput(calculatorName, "unexpected token %q", t.text)
	}
}

func (p *exprParser) parseCall(name string) (float64, error) {
	p.next() // consume '('

	var args []float64
	if p.peek().kind != tokRParen {
		for {
			v, err := p.parseAddSub()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if len(args) > maxFunctionArgs {
				return 0, rejectInput(calculatorName, "too many arguments to %s", name)
			}
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return 0, rejectInput(calculatorName, "missing closing parenthesis in %s()", name)
	}

	return applyFunction(name, args)
}

func applyFunction(name string, args []float64) (float64, error) {
	arity := func(want int) error {
		if len(args) != want {
			return rejectInput(calculatorName, "%s() takes %d argument(s), got %d", name, want, len(args))
		}
		return nil
	}

	switch name {
	case "abs":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Abs(args[0]), nil

	case "sqrt":
		if err := arity(1); err != nil {
			return 0, err
		}
		if args[0] < 0 {
			return 0, fmt.Errorf("%s: sqrt of negative number", calculatorName)
		}
		return math.Sqrt(args[0]), nil

	case "log":
		switch len(args) {
		case 1:
			if args[0] <= 0 {
				return 0, fmt.Errorf("%s: log of non-positive number", calculatorName)
			}
			return math.Log(args[0]), nil
		case 2:
			if args[0] <= 0 || args[1] <= 0 || args[1] == 1 {
				return 0, fmt.Errorf("%s: invalid log arguments", calculatorName)
			}
			return math.Log(args[0]) / math.Log(args[1]), nil
		default:
			return 0, rejectInput(calculatorName, "log() takes 1 or 2 arguments, got %d", len(args))
		}

	case "log10":
		if err := arity(1); err != nil {
			return 0, err
		}
		if args[0] <= 0 {
			return 0, fmt.Errorf("%s: log10 of non-positive number", calculatorName)
		}
		return math.Log10(args[0]), nil

	case "pow":
		if err := arity(2); err != nil {
			return 0, err
		}
		return math.Pow(args[0], args[1]), nil

	case "round":
		switch len(args) {
		case 1:
			return math.Round(args[0]), nil
		case 2:
			shift := math.Pow(10, math.Trunc(args[1]))
			return math.Round(args[0]*shift) / shift, nil
		default:
			return 0, rejectInput(calculatorName, "round() takes 1 or 2 arguments, got %d", len(args))
		}

	case "sum":
		total := 0.0
		for _, v := range args {
			total += v
		}
		return total, nil

	case "min", "max":
		if len(args) == 0 {
			return 0, rejectInput(calculatorName, "%s() requires at least one argument", name)
		}
		acc := args[0]
		for _, v := range args[1:] {
			if name == "min" {
				acc = math.Min(acc, v)
			} else {
				acc = math.Max(acc, v)
			}
		}
		return acc, nil

	default:
		return 0, rejectInput(calculatorName, "unknown function %q", name)
	}
}
