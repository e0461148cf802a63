package strategy

import (
	"fmt"
	"strconv"
	"strings"
)

// The decision language is line-oriented. Each non-empty, non-comment line
// is one rule:
//
//	when <expr> then <signal> qty=<expr> [leverage=<expr>] [price=<expr>] [stop=<expr>] [why="..."]
//
// Expressions combine dotted identifiers, numbers, arithmetic, comparisons
// and and/or/not. A rule fires when its condition is true for the entity
// under evaluation.

// ==================== AST ====================

type expr interface {
	eval(env Env) (float64, error)
}

type numberLit float64

func (n numberLit) eval(Env) (float64, error) { return float64(n), nil }

type identExpr string

func (id identExpr) eval(env Env) (float64, error) {
	v, ok := env.Lookup(string(id))
	if !ok {
		return 0, fmt.Errorf("unknown field %q", string(id))
	}
	return v, nil
}

type unaryExpr struct {
	op  string // "not" or "-"
	arg expr
}

func (u unaryExpr) eval(env Env) (float64, error) {
	v, err := u.arg.eval(env)
	if err != nil {
		return 0, err
	}
	switch u.op {
	case "not":
		if v == 0 {
			return 1, nil
		}
		return 0, nil
	case "-":
		return -v, nil
	}
	return 0, fmt.Errorf("unknown unary operator %q", u.op)
}

type binaryExpr struct {
	op          string
	left, right expr
}

func (b binaryExpr) eval(env Env) (float64, error) {
	l, err := b.left.eval(env)
	if err != nil {
		return 0, err
	}
	// Short-circuit the logical operators.
	switch b.op {
	case "and":
		if l == 0 {
			return 0, nil
		}
	case "or":
		if l != 0 {
			return 1, nil
		}
	}
	r, err := b.right.eval(env)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case ">":
		return boolVal(l > r), nil
	case "<":
		return boolVal(l < r), nil
	case ">=":
		return boolVal(l >= r), nil
	case "<=":
		return boolVal(l <= r), nil
	case "==":
		return boolVal(l == r), nil
	case "!=":
		return boolVal(l != r), nil
	case "and":
		return boolVal(r != 0), nil
	case "or":
		return boolVal(r != 0), nil
	}
	return 0, fmt.Errorf("unknown operator %q", b.op)
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Rule is one compiled when/then line.
type Rule struct {
	Condition     expr
	Signal        string
	Quantity      expr
	Leverage      expr // nil when absent
	Price         expr
	Stop          expr
	Justification string
	Line          int
}

// Program is a compiled rule set.
type Program struct {
	Rules []Rule
}

// ==================== PARSER ====================

// Compile parses a program text into an executable rule set. Any malformed
// line fails the whole compilation; callers disable the strategy for the
// cycle on error.
func Compile(text string) (*Program, error) {
	var rules []Rule
	for lineNo, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		tokens, err := lexLine(trimmed)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		if tokens[0].kind == tokenEOF {
			continue // comment-only line
		}
		rule, err := parseRule(tokens)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		rule.Line = lineNo + 1
		rules = append(rules, *rule)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("program contains no rules")
	}
	return &Program{Rules: rules}, nil
}

type parser struct {
	tokens []token
	pos    int
}

func parseRule(tokens []token) (*Rule, error) {
	p := &parser{tokens: tokens}

	if !p.acceptIdent("when") {
		return nil, fmt.Errorf("rule must start with 'when'")
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.acceptIdent("then") {
		return nil, fmt.Errorf("expected 'then' after condition")
	}

	signalTok := p.next()
	if signalTok.kind != tokenIdent {
		return nil, fmt.Errorf("expected signal after 'then'")
	}
	rule := &Rule{Condition: cond, Signal: signalTok.text}

	for p.peek().kind != tokenEOF {
		keyTok := p.next()
		if keyTok.kind != tokenIdent {
			return nil, fmt.Errorf("expected option name, got %q", keyTok.text)
		}
		if !p.acceptOp("=") {
			return nil, fmt.Errorf("expected '=' after %q", keyTok.text)
		}

		if keyTok.text == "why" {
			strTok := p.next()
			if strTok.kind != tokenString {
				return nil, fmt.Errorf("why= requires a quoted string")
			}
			rule.Justification = strTok.text
			continue
		}

		val, err := p.parseExpr()
		if err != nil {
			return nil, fmt.Errorf("in %s=: %w", keyTok.text, err)
		}
		switch keyTok.text {
		case "qty":
			rule.Quantity = val
		case "leverage":
			rule.Leverage = val
		case "price":
			rule.Price = val
		case "stop":
			rule.Stop = val
		default:
			return nil, fmt.Errorf("unknown option %q", keyTok.text)
		}
	}

	if rule.Quantity == nil {
		return nil, fmt.Errorf("rule is missing qty=")
	}
	return rule, nil
}

// Expression grammar, lowest to highest binding:
//
//	or -> and -> not -> comparison -> additive -> multiplicative -> unary -> primary
func (p *parser) parseExpr() (expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{"or", left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{"and", left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.acceptIdent("not") {
		arg, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryExpr{"not", arg}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOpIn(">", "<", ">=", "<=", "==", "!=")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op, left, right}
	}
}

func (p *parser) parseAdditive() (expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOpIn("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op, left, right}
	}
}

func (p *parser) parseMultiplicative() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOpIn("*", "/")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op, left, right}
	}
}

func (p *parser) parseUnary() (expr, error) {
	if _, ok := p.peekOpIn("-"); ok {
		p.next()
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{"-", arg}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenNumber:
		p.next()
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok.text)
		}
		return numberLit(f), nil
	case tokenIdent:
		// Keywords end an expression; anything else is a field reference.
		switch tok.text {
		case "then", "and", "or", "not", "when":
			return nil, fmt.Errorf("unexpected keyword %q", tok.text)
		}
		p.next()
		return identExpr(tok.text), nil
	case tokenOperator:
		if tok.text == "(" {
			p.next()
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp(")") {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", tok.text)
}

// ==================== TOKEN HELPERS ====================

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptIdent(text string) bool {
	if p.peek().kind == tokenIdent && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokenOperator && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) peekOpIn(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokenOperator {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			return op, true
		}
	}
	return "", false
}
