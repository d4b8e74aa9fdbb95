package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"gridcore/internal/address"
)

// ErrNotAllowed 替换后的表达式未通过字符白名单
var ErrNotAllowed = errors.New("expression contains disallowed characters")

// ErrEvaluation 表达式求值失败
var ErrEvaluation = errors.New("expression evaluation failed")

const allowedChars = "0123456789+-*/(). \t\r\n"

// Lookup 按坐标取数值（缺失或非数值时返回 0）
type Lookup func(ref Ref) (float64, error)

// Substitute 将表达式中的地址替换为当前数值
func Substitute(text string, lookup Lookup) (string, error) {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); {
		if !isWordByte(text[i]) {
			b.WriteByte(text[i])
			i++
			continue
		}

		j := i
		for j < len(text) && isWordByte(text[j]) {
			j++
		}
		word := text[i:j]
		i = j

		row, col, ok := address.Parse(word)
		if !ok {
			b.WriteString(word)
			continue
		}
		v, err := lookup(Ref{Row: row, Col: col})
		if err != nil {
			return "", err
		}
		b.WriteString(numberLiteral(v))
	}
	return b.String(), nil
}

// Allowed 安全闸门：仅允许数字、四则运算符、括号、小数点与空白
// 连续的 ** 是乘方运算符，不在四则运算之内
func Allowed(text string) bool {
	for i := 0; i < len(text); i++ {
		if strings.IndexByte(allowedChars, text[i]) < 0 {
			return false
		}
	}
	return !strings.Contains(text, "**")
}

// Evaluate 对已通过闸门的算术表达式求值，返回十进制字符串
func Evaluate(text string) (string, error) {
	if !Allowed(text) {
		return "", ErrNotAllowed
	}

	program, err := expr.Compile(floatLiterals(text),
		expr.Env(map[string]any{}),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvaluation, err)
	}

	out, err := expr.Run(program, map[string]any{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEvaluation, err)
	}

	v, ok := out.(float64)
	if !ok {
		return "", fmt.Errorf("%w: unexpected result %T", ErrEvaluation, out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%w: non-finite result", ErrEvaluation)
	}
	return FormatNumber(v), nil
}

// floatLiterals 整数字面量补 ".0"，整个表达式按浮点运算，避免整数溢出回绕
func floatLiterals(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)

	for i := 0; i < len(text); {
		if !isDigit(text[i]) && text[i] != '.' {
			b.WriteByte(text[i])
			i++
			continue
		}
		j := i
		for j < len(text) && (isDigit(text[j]) || text[j] == '.') {
			j++
		}
		b.WriteString(text[i:j])
		if !strings.Contains(text[i:j], ".") {
			b.WriteString(".0")
		}
		i = j
	}
	return b.String()
}

// Coerce 展示值转数值；空白、非数值与非有限值均视为失败
func Coerce(display string) (float64, bool) {
	s := strings.TrimSpace(display)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// FormatNumber 数值转十进制字符串（最短表示）
func FormatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// numberLiteral 以浮点字面量写入表达式，保证浮点除法语义
func numberLiteral(v float64) string {
	s := FormatNumber(math.Abs(v))
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	if v < 0 {
		return "(-" + s + ")"
	}
	return s
}

func isWordByte(ch byte) bool {
	return isLetter(ch) || isDigit(ch) || ch == '$' || ch == '_' || ch == '.'
}
