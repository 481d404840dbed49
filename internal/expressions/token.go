package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/loomctl/loom/pkg/schema"
)

// TokenKind enumerates the lexical token kinds of the expression language.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenString
	TokenNumber
	TokenBool
	TokenNull
	TokenDot      // .
	TokenLBracket // [
	TokenRBracket // ]
	TokenLParen   // (
	TokenRParen   // )
	TokenBang     // !
	TokenEq       // ==
	TokenNotEq    // !=
	TokenLt       // <
	TokenLtEq     // <=
	TokenGt       // >
	TokenGtEq     // >=
	TokenAnd      // &&
	TokenOr       // ||
	TokenQuestion // ?
	TokenColon    // :
	TokenEOF
)

// Token is one lexical unit of an expression.
type Token struct {
	Kind TokenKind
	Text string
	Num  float64 // set for TokenNumber
	Pos  int     // byte offset within the expression
}

// Tokenize splits a single expression (the text between `${{` and `}}`)
// into tokens. It reports the first lexical error with its position.
func Tokenize(src string) ([]Token, error) {
	var toks []Token
	i := 0
	n := len(src)

	for i < n {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '.':
			toks = append(toks, Token{Kind: TokenDot, Text: ".", Pos: i})
			i++
		case c == '[':
			toks = append(toks, Token{Kind: TokenLBracket, Text: "[", Pos: i})
			i++
		case c == ']':
			toks = append(toks, Token{Kind: TokenRBracket, Text: "]", Pos: i})
			i++
		case c == '(':
			toks = append(toks, Token{Kind: TokenLParen, Text: "(", Pos: i})
			i++
		case c == ')':
			toks = append(toks, Token{Kind: TokenRParen, Text: ")", Pos: i})
			i++
		case c == '?':
			toks = append(toks, Token{Kind: TokenQuestion, Text: "?", Pos: i})
			i++
		case c == ':':
			toks = append(toks, Token{Kind: TokenColon, Text: ":", Pos: i})
			i++

		case c == '!':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, Token{Kind: TokenNotEq, Text: "!=", Pos: i})
				i += 2
			} else {
				toks = append(toks, Token{Kind: TokenBang, Text: "!", Pos: i})
				i++
			}
		case c == '=':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, Token{Kind: TokenEq, Text: "==", Pos: i})
				i += 2
			} else {
				return nil, lexErr(src, i, "unexpected '='; did you mean '=='")
			}
		case c == '<':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, Token{Kind: TokenLtEq, Text: "<=", Pos: i})
				i += 2
			} else {
				toks = append(toks, Token{Kind: TokenLt, Text: "<", Pos: i})
				i++
			}
		case c == '>':
			if i+1 < n && src[i+1] == '=' {
				toks = append(toks, Token{Kind: TokenGtEq, Text: ">=", Pos: i})
				i += 2
			} else {
				toks = append(toks, Token{Kind: TokenGt, Text: ">", Pos: i})
				i++
			}
		case c == '&':
			if i+1 < n && src[i+1] == '&' {
				toks = append(toks, Token{Kind: TokenAnd, Text: "&&", Pos: i})
				i += 2
			} else {
				return nil, lexErr(src, i, "unexpected '&'; did you mean '&&'")
			}
		case c == '|':
			if i+1 < n && src[i+1] == '|' {
				toks = append(toks, Token{Kind: TokenOr, Text: "||", Pos: i})
				i += 2
			} else {
				return nil, lexErr(src, i, "unexpected '|'; did you mean '||'")
			}

		case c == '\'' || c == '"':
			tok, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next

		case c >= '0' && c <= '9', c == '-' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9':
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next

		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch word {
			case "true", "false":
				toks = append(toks, Token{Kind: TokenBool, Text: word, Pos: start})
			case "null":
				toks = append(toks, Token{Kind: TokenNull, Text: word, Pos: start})
			default:
				toks = append(toks, Token{Kind: TokenIdent, Text: word, Pos: start})
			}

		default:
			return nil, lexErr(src, i, fmt.Sprintf("unexpected character %q", c))
		}
	}

	toks = append(toks, Token{Kind: TokenEOF, Pos: n})
	return toks, nil
}

func lexString(src string, start int) (Token, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			next := src[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				return Token{}, 0, lexErr(src, i, fmt.Sprintf("unknown escape sequence \\%c", next))
			}
			i += 2
			continue
		}
		if c == quote {
			return Token{Kind: TokenString, Text: sb.String(), Pos: start}, i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return Token{}, 0, lexErr(src, start, "unterminated string literal")
}

func lexNumber(src string, start int) (Token, int, error) {
	i := start
	if src[i] == '-' {
		i++
	}
	for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
		i++
	}
	text := src[start:i]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Token{}, 0, lexErr(src, start, fmt.Sprintf("invalid number literal %q", text))
	}
	return Token{Kind: TokenNumber, Text: text, Num: num, Pos: start}, i, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lexErr(src string, pos int, msg string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s at position %d in %q", msg, pos, src).
		WithDetails(map[string]any{"expression": src, "position": pos})
}
