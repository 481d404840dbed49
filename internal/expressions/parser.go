package expressions

import (
	"fmt"

	"github.com/loomctl/loom/pkg/schema"
)

// Node is one node of a parsed expression AST.
type Node interface {
	node()
}

// LiteralNode holds a string, number, bool, or null literal value.
type LiteralNode struct {
	Value any
}

// IdentNode is a bare root identifier (a namespace: context, steps, env).
type IdentNode struct {
	Name string
}

// MemberNode is dotted member access: Object.Name.
type MemberNode struct {
	Object Node
	Name   string
}

// IndexNode is bracket access: Object[Index].
type IndexNode struct {
	Object Node
	Index  Node
}

// UnaryNode is logical negation: !Operand.
type UnaryNode struct {
	Op      string
	Operand Node
}

// BinaryNode is a comparison, equality, or boolean operator application.
type BinaryNode struct {
	Op    string
	Left  Node
	Right Node
}

// TernaryNode is Cond ? Then : Else.
type TernaryNode struct {
	Cond Node
	Then Node
	Else Node
}

func (*LiteralNode) node() {}
func (*IdentNode) node()   {}
func (*MemberNode) node()  {}
func (*IndexNode) node()   {}
func (*UnaryNode) node()   {}
func (*BinaryNode) node()  {}
func (*TernaryNode) node() {}

// Parse tokenizes and parses a single expression into an AST.
// Precedence, lowest to highest: ternary, ||, &&, comparisons, unary !,
// postfix member/index access.
func Parse(src string) (Node, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokenEOF {
		return nil, p.errAt(p.peek(), "unexpected trailing input")
	}
	return n, nil
}

// Validate checks that an expression tokenizes and parses without error.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

type parser struct {
	src  string
	toks []Token
	pos  int
}

func (p *parser) peek() Token {
	return p.toks[p.pos]
}

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind TokenKind, what string) (Token, error) {
	t := p.peek()
	if t.Kind != kind {
		return Token{}, p.errAt(t, "expected "+what)
	}
	return p.next(), nil
}

func (p *parser) errAt(t Token, msg string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s at position %d in %q", msg, t.Pos, p.src).
		WithDetails(map[string]any{"expression": p.src, "position": t.Pos})
}

func (p *parser) parseTernary() (Node, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokenQuestion {
		return cond, nil
	}
	p.next()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenColon, "':' in ternary expression"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &TernaryNode{Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == TokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == TokenAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

var comparisonOps = map[TokenKind]string{
	TokenEq:   "==",
	TokenNotEq: "!=",
	TokenLt:   "<",
	TokenLtEq: "<=",
	TokenGt:   ">",
	TokenGtEq: ">=",
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOps[p.peek().Kind]
	if !ok {
		return left, nil
	}
	p.next()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &BinaryNode{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().Kind == TokenBang {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: "!", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().Kind {
		case TokenDot:
			p.next()
			name, err := p.expect(TokenIdent, "member name after '.'")
			if err != nil {
				return nil, err
			}
			n = &MemberNode{Object: n, Name: name.Text}
		case TokenLBracket:
			p.next()
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenRBracket, "']'"); err != nil {
				return nil, err
			}
			n = &IndexNode{Object: n, Index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.Kind {
	case TokenIdent:
		p.next()
		return &IdentNode{Name: t.Text}, nil
	case TokenString:
		p.next()
		return &LiteralNode{Value: t.Text}, nil
	case TokenNumber:
		p.next()
		return &LiteralNode{Value: t.Num}, nil
	case TokenBool:
		p.next()
		return &LiteralNode{Value: t.Text == "true"}, nil
	case TokenNull:
		p.next()
		return &LiteralNode{Value: nil}, nil
	case TokenLParen:
		p.next()
		n, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, p.errAt(t, fmt.Sprintf("unexpected token %q", t.Text))
	}
}

// StepRefs returns the names of all steps referenced via `steps.<name>` (or
// `steps["name"]`) anywhere in the AST. Used by static validation to reject
// forward and self references at parse time.
func StepRefs(n Node) []string {
	var refs []string
	walkStepRefs(n, &refs)
	return refs
}

func walkStepRefs(n Node, refs *[]string) {
	switch v := n.(type) {
	case *MemberNode:
		if id, ok := v.Object.(*IdentNode); ok && id.Name == "steps" {
			*refs = append(*refs, v.Name)
			return
		}
		walkStepRefs(v.Object, refs)
	case *IndexNode:
		if id, ok := v.Object.(*IdentNode); ok && id.Name == "steps" {
			if lit, ok := v.Index.(*LiteralNode); ok {
				if s, ok := lit.Value.(string); ok {
					*refs = append(*refs, s)
				}
			}
			return
		}
		walkStepRefs(v.Object, refs)
		walkStepRefs(v.Index, refs)
	case *UnaryNode:
		walkStepRefs(v.Operand, refs)
	case *BinaryNode:
		walkStepRefs(v.Left, refs)
		walkStepRefs(v.Right, refs)
	case *TernaryNode:
		walkStepRefs(v.Cond, refs)
		walkStepRefs(v.Then, refs)
		walkStepRefs(v.Else, refs)
	}
}
