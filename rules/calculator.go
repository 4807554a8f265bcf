package rules

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const (
	// calculatorCostLimit bounds the work of one reduction.
	calculatorCostLimit = 100000
	maxCachedPrograms   = 4096
	maxHelperArity      = 16
)

// ErrNotArithmetic is returned for terms that are not arithmetic expressions.
var ErrNotArithmetic = errors.New("not an arithmetic term")

var helperFunctions = map[string]struct{}{
	"pow": {}, "mod": {}, "first": {}, "second": {}, "third": {},
	"position": {}, "digit": {}, "inrange": {},
}

// Calculator reduces substituted arithmetic terms such as "(20)+(3)^2" to a
// number. Terms are normalized to double arithmetic and compiled with CEL;
// compiled programs are cached by normalized text.
type Calculator struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewCalculator creates the CEL environment with the arithmetic helpers.
func NewCalculator() (*Calculator, error) {
	env, err := cel.NewEnv(
		cel.Function("mod",
			cel.Overload("mod_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(binaryDouble(func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, errors.New("modulus by zero")
					}
					return math.Mod(a, b), nil
				})))),
		cel.Function("pow",
			cel.Overload("pow_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(binaryDouble(func(a, b float64) (float64, error) {
					return math.Pow(a, b), nil
				})))),
		cel.Function("digit",
			cel.Overload("digit_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(binaryDouble(digitAt)))),
		cel.Function("inrange",
			cel.Overload("inrange_double_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.FunctionBinding(variadicDouble(inRange)))),
		variadicHelper("first", 1, topPosition(0)),
		variadicHelper("second", 1, topPosition(1)),
		variadicHelper("third", 1, topPosition(2)),
		variadicHelper("position", 2, positionIn),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Calculator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Reduce evaluates term. It returns ErrNotArithmetic when term is not made
// of numbers, operators, parentheses and helper calls.
func (c *Calculator) Reduce(term string) (float64, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return 0, ErrNotArithmetic
	}
	if f, err := strconv.ParseFloat(term, 64); err == nil {
		return f, nil
	}

	normalized, err := normalizeTerm(term)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotArithmetic, err)
	}

	prog, err := c.program(normalized)
	if err != nil {
		return 0, err
	}

	out, _, err := prog.Eval(map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate %q: %w", term, err)
	}
	f, ok := out.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("term %q did not produce a number", term)
	}
	return f, nil
}

func (c *Calculator) program(normalized string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[normalized]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArithmetic, issues.Err())
	}
	prog, err := c.env.Program(ast, cel.CostLimit(calculatorCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	if len(c.programs) >= maxCachedPrograms {
		c.programs = make(map[string]cel.Program)
	}
	c.programs[normalized] = prog
	c.mu.Unlock()

	return prog, nil
}

// FormatNumber renders f without a trailing ".0".
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOperator
	tokOpen
	tokClose
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

// normalizeTerm turns every number into a double literal and rewrites the
// right-associative power operator into pow() calls and the modulo operator
// into mod() calls. CEL has neither on doubles.
func normalizeTerm(term string) (string, error) {
	toks, err := tokenize(term)
	if err != nil {
		return "", err
	}
	toks, err = rewritePower(toks)
	if err != nil {
		return "", err
	}
	toks, err = rewriteModulo(toks)
	if err != nil {
		return "", err
	}

	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.text
	}
	return strings.Join(parts, " "), nil
}

func tokenize(term string) ([]token, error) {
	var toks []token
	for i := 0; i < len(term); {
		c := term[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || c == '.':
			j := i
			for j < len(term) && (isDigit(term[j]) || term[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(term[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", term[i:j])
			}
			lit := strconv.FormatFloat(f, 'f', -1, 64)
			if !strings.Contains(lit, ".") {
				lit += ".0"
			}
			toks = append(toks, token{tokNumber, lit})
			i = j
		case isLetter(c):
			j := i
			for j < len(term) && (isLetter(term[j]) || isDigit(term[j])) {
				j++
			}
			name := term[i:j]
			if _, ok := helperFunctions[name]; !ok {
				return nil, fmt.Errorf("unknown function %q", name)
			}
			toks = append(toks, token{tokIdent, name})
			i = j
		case strings.IndexByte("+-*/%^", c) >= 0:
			toks = append(toks, token{tokOperator, string(c)})
			i++
		case c == '(':
			toks = append(toks, token{tokOpen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokClose, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

func rewritePower(toks []token) ([]token, error) {
	for {
		k := -1
		for i := len(toks) - 1; i >= 0; i-- {
			if toks[i].kind == tokOperator && toks[i].text == "^" {
				k = i
				break
			}
		}
		if k < 0 {
			return toks, nil
		}

		start, err := operandStart(toks, k-1)
		if err != nil {
			return nil, err
		}
		end, err := operandEnd(toks, k+1)
		if err != nil {
			return nil, err
		}

		out := make([]token, 0, len(toks)+3)
		out = append(out, toks[:start]...)
		out = append(out, token{tokIdent, "pow"}, token{tokOpen, "("})
		out = append(out, toks[start:k]...)
		out = append(out, token{tokComma, ","})
		out = append(out, toks[k+1:end+1]...)
		out = append(out, token{tokClose, ")"})
		out = append(out, toks[end+1:]...)
		toks = out
	}
}

// rewriteModulo replaces the leftmost % until none is left. Its left operand
// is the whole multiplicative chain before it, so a%b%c becomes
// mod(mod(a,b),c) and a*b%c becomes mod(a*b,c).
func rewriteModulo(toks []token) ([]token, error) {
	for {
		k := -1
		for i, t := range toks {
			if t.kind == tokOperator && t.text == "%" {
				k = i
				break
			}
		}
		if k < 0 {
			return toks, nil
		}

		start, err := chainStart(toks, k-1)
		if err != nil {
			return nil, err
		}
		end, err := operandEnd(toks, k+1)
		if err != nil {
			return nil, err
		}

		out := make([]token, 0, len(toks)+3)
		out = append(out, toks[:start]...)
		out = append(out, token{tokIdent, "mod"}, token{tokOpen, "("})
		out = append(out, toks[start:k]...)
		out = append(out, token{tokComma, ","})
		out = append(out, toks[k+1:end+1]...)
		out = append(out, token{tokClose, ")"})
		out = append(out, toks[end+1:]...)
		toks = out
	}
}

// chainStart finds the first token of the operands joined by * or / that end
// at i, including their unary signs.
func chainStart(toks []token, i int) (int, error) {
	for {
		start, err := operandStart(toks, i)
		if err != nil {
			return 0, err
		}
		for start > 0 && isSign(toks[start-1]) && unarySign(toks, start-1) {
			start--
		}
		if start > 0 && toks[start-1].kind == tokOperator && (toks[start-1].text == "*" || toks[start-1].text == "/") {
			i = start - 2
			continue
		}
		return start, nil
	}
}

func isSign(t token) bool {
	return t.kind == tokOperator && (t.text == "-" || t.text == "+")
}

// unarySign reports whether the sign at j applies to the operand after it.
func unarySign(toks []token, j int) bool {
	if j == 0 {
		return true
	}
	switch toks[j-1].kind {
	case tokOperator, tokOpen, tokComma:
		return true
	}
	return false
}

func operandStart(toks []token, i int) (int, error) {
	if i < 0 {
		return 0, errors.New("missing left operand")
	}
	switch toks[i].kind {
	case tokNumber:
		return i, nil
	case tokClose:
		depth := 0
		for j := i; j >= 0; j-- {
			switch toks[j].kind {
			case tokClose:
				depth++
			case tokOpen:
				depth--
			}
			if depth == 0 {
				if j > 0 && toks[j-1].kind == tokIdent {
					return j - 1, nil
				}
				return j, nil
			}
		}
		return 0, errors.New("unbalanced parentheses")
	}
	return 0, fmt.Errorf("unexpected %q before operator", toks[i].text)
}

func operandEnd(toks []token, i int) (int, error) {
	if i >= len(toks) {
		return 0, errors.New("missing right operand")
	}
	t := toks[i]
	switch {
	case t.kind == tokOperator && (t.text == "-" || t.text == "+"):
		return operandEnd(toks, i+1)
	case t.kind == tokNumber:
		return i, nil
	case t.kind == tokIdent:
		if i+1 >= len(toks) || toks[i+1].kind != tokOpen {
			return 0, fmt.Errorf("function %q without arguments", t.text)
		}
		return closingParen(toks, i+1)
	case t.kind == tokOpen:
		return closingParen(toks, i)
	}
	return 0, fmt.Errorf("unexpected %q after operator", t.text)
}

func closingParen(toks []token, open int) (int, error) {
	depth := 0
	for j := open; j < len(toks); j++ {
		switch toks[j].kind {
		case tokOpen:
			depth++
		case tokClose:
			depth--
		}
		if depth == 0 {
			return j, nil
		}
	}
	return 0, errors.New("unbalanced parentheses")
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func toDoubles(values []ref.Val) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		d, ok := v.(types.Double)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a number", i+1)
		}
		out[i] = float64(d)
	}
	return out, nil
}

func binaryDouble(fn func(a, b float64) (float64, error)) func(lhs, rhs ref.Val) ref.Val {
	return func(lhs, rhs ref.Val) ref.Val {
		args, err := toDoubles([]ref.Val{lhs, rhs})
		if err != nil {
			return types.NewErr("%v", err)
		}
		r, err := fn(args[0], args[1])
		if err != nil {
			return types.NewErr("%v", err)
		}
		return types.Double(r)
	}
}

func variadicDouble(fn func(args []float64) (float64, error)) func(values ...ref.Val) ref.Val {
	return func(values ...ref.Val) ref.Val {
		args, err := toDoubles(values)
		if err != nil {
			return types.NewErr("%v", err)
		}
		r, err := fn(args)
		if err != nil {
			return types.NewErr("%v", err)
		}
		return types.Double(r)
	}
}

// variadicHelper declares one overload per arity since CEL functions have
// fixed argument lists.
func variadicHelper(name string, minArgs int, fn func(args []float64) (float64, error)) cel.EnvOption {
	var opts []cel.FunctionOpt
	for n := minArgs; n <= maxHelperArity; n++ {
		argTypes := make([]*cel.Type, n)
		for i := range argTypes {
			argTypes[i] = cel.DoubleType
		}
		id := fmt.Sprintf("%s_double_%d", name, n)
		switch n {
		case 1:
			opts = append(opts, cel.Overload(id, argTypes, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val { return variadicDouble(fn)(v) })))
		case 2:
			opts = append(opts, cel.Overload(id, argTypes, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val { return variadicDouble(fn)(a, b) })))
		default:
			opts = append(opts, cel.Overload(id, argTypes, cel.DoubleType,
				cel.FunctionBinding(variadicDouble(fn))))
		}
	}
	return cel.Function(name, opts...)
}

// topPosition returns the 1-based argument position of the rank-th highest
// value. Ties go to the earlier argument.
func topPosition(rank int) func(args []float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if rank >= len(args) {
			return 0, fmt.Errorf("need at least %d values, got %d", rank+1, len(args))
		}
		idx := make([]int, len(args))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return args[idx[a]] > args[idx[b]] })
		return float64(idx[rank] + 1), nil
	}
}

// positionIn returns the value at the 1-based position given by the first
// argument among the remaining ones.
func positionIn(args []float64) (float64, error) {
	pos := int(args[0])
	if pos < 1 || pos >= len(args) {
		return 0, fmt.Errorf("position %d out of range", pos)
	}
	return args[pos], nil
}

// digitAt returns the digit of number at position, counted from the right
// starting at 1: digit(2, 12345) is 4.
func digitAt(position, number float64) (float64, error) {
	p := int(position)
	if p < 1 {
		return 0, fmt.Errorf("digit position %d out of range", p)
	}
	n := math.Floor(number)
	return math.Mod(math.Floor(n/math.Pow(10, float64(p-1))), 10), nil
}

func inRange(args []float64) (float64, error) {
	if args[0] >= args[1] && args[0] <= args[2] {
		return 1, nil
	}
	return 0, nil
}
