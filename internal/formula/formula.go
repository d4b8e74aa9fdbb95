// Package formula 公式分类：区域聚合 / 单元格引用 / 通用算术表达式
//
// Classify 返回带标签的解析结果，调用方通过类型分支穷举处理：
//
//	switch f := formula.Classify(text).(type) {
//	case formula.RangeAggregate:
//	case formula.SingleRef:
//	case formula.Expression:
//	case formula.Unsupported:
//	}
package formula

import (
	"strings"

	"gridcore/internal/address"
	"gridcore/internal/model"
)

// Aggregate 区域聚合函数
type Aggregate string

const (
	Sum     Aggregate = "SUM"
	Average Aggregate = "AVERAGE"
	Min     Aggregate = "MIN"
	Max     Aggregate = "MAX"
	Count   Aggregate = "COUNT"
)

var aggregates = map[string]Aggregate{
	"SUM":     Sum,
	"AVERAGE": Average,
	"MIN":     Min,
	"MAX":     Max,
	"COUNT":   Count,
}

// Ref 单元格坐标
type Ref struct {
	Row int
	Col int
}

func (r Ref) String() string {
	return address.ToAddress(r.Row, r.Col)
}

// Formula 分类结果
type Formula interface {
	formula()
}

// RangeAggregate =FUNC(addr1:addr2)
type RangeAggregate struct {
	Func Aggregate
	From Ref
	To   Ref
}

// Bounds 将两个角归一为合法矩形（与书写顺序无关）
func (a RangeAggregate) Bounds() model.Rect {
	return model.Rect{
		StartRow: min(a.From.Row, a.To.Row),
		EndRow:   max(a.From.Row, a.To.Row),
		StartCol: min(a.From.Col, a.To.Col),
		EndCol:   max(a.From.Col, a.To.Col),
	}
}

// SingleRef =addr
type SingleRef struct {
	Ref Ref
}

// Expression 其余以 = 开头的公式，Text 不含前缀
type Expression struct {
	Text string
}

// Unsupported 不以 = 开头，无法求值
type Unsupported struct {
	Text string
}

func (RangeAggregate) formula() {}
func (SingleRef) formula()      {}
func (Expression) formula()     {}
func (Unsupported) formula()    {}

// Classify 按顺序匹配：区域聚合 -> 单元格引用 -> 通用表达式
func Classify(text string) Formula {
	if !strings.HasPrefix(text, model.FormulaMarker) {
		return Unsupported{Text: text}
	}
	body := strings.TrimSpace(text[len(model.FormulaMarker):])

	if agg, ok := parseRangeAggregate(body); ok {
		return agg
	}
	if ref, ok := parseSingleRef(body); ok {
		return SingleRef{Ref: ref}
	}
	return Expression{Text: body}
}

func parseRangeAggregate(body string) (RangeAggregate, bool) {
	s := scanner{src: body}

	fn, ok := aggregates[strings.ToUpper(s.letters())]
	if !ok {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	if !s.consume('(') {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	from, ok := parseRef(s.refToken())
	if !ok {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	if !s.consume(':') {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	to, ok := parseRef(s.refToken())
	if !ok {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	if !s.consume(')') {
		return RangeAggregate{}, false
	}
	s.skipSpace()
	if !s.done() {
		return RangeAggregate{}, false
	}
	return RangeAggregate{Func: fn, From: from, To: to}, true
}

func parseSingleRef(body string) (Ref, bool) {
	s := scanner{src: body}
	ref, ok := parseRef(s.refToken())
	if !ok || !s.done() {
		return Ref{}, false
	}
	return ref, true
}

func parseRef(token string) (Ref, bool) {
	row, col, ok := address.Parse(token)
	if !ok {
		return Ref{}, false
	}
	return Ref{Row: row, Col: col}, true
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool {
	return s.pos >= len(s.src)
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.src) && isSpace(s.src[s.pos]) {
		s.pos++
	}
}

func (s *scanner) consume(ch byte) bool {
	if s.pos < len(s.src) && s.src[s.pos] == ch {
		s.pos++
		return true
	}
	return false
}

func (s *scanner) letters() string {
	start := s.pos
	for s.pos < len(s.src) && isLetter(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) refToken() string {
	start := s.pos
	for s.pos < len(s.src) && isRefByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isLetter(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isRefByte(ch byte) bool {
	return isLetter(ch) || isDigit(ch) || ch == '$'
}
