// Package address 单元格地址与 (行, 列) 坐标互转
package address

import (
	"math"
	"strconv"
	"strings"

	"gridcore/internal/model"
)

// ToAddress 行列转地址，如 (27, 28) -> "AB27"
// 列 0 为保留值，按 "A" 处理
func ToAddress(row, col int) string {
	return ColumnName(col) + strconv.Itoa(row)
}

// ColumnName 列号转字母（无零位的 26 进制）
func ColumnName(col int) string {
	if col <= 0 {
		return "A"
	}
	var buf [16]byte
	i := len(buf)
	for col > 0 {
		col--
		i--
		buf[i] = byte('A' + col%26)
		col /= 26
	}
	return string(buf[i:])
}

// ColumnIndex 字母转列号，大小写不敏感
func ColumnIndex(letters string) (int, bool) {
	if letters == "" {
		return 0, false
	}
	col := 0
	for i := 0; i < len(letters); i++ {
		ch := letters[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if ch < 'A' || ch > 'Z' {
			return 0, false
		}
		if col > (math.MaxInt32-26)/26 {
			return 0, false
		}
		col = col*26 + int(ch-'A'+1)
	}
	return col, true
}

// Parse 解析地址，去除 $ 绝对引用标记
// 结构不匹配时返回 ok=false，而不是错误
func Parse(text string) (row, col int, ok bool) {
	s := strings.ReplaceAll(strings.TrimSpace(text), "$", "")
	split := 0
	for split < len(s) && isLetter(s[split]) {
		split++
	}
	if split == 0 || split == len(s) {
		return 0, 0, false
	}

	col, ok = ColumnIndex(s[:split])
	if !ok {
		return 0, 0, false
	}

	digits := s[split:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, 0, false
		}
		if row > (math.MaxInt32-9)/10 {
			return 0, 0, false
		}
		row = row*10 + int(digits[i]-'0')
	}

	if row == 0 || col == 0 {
		return 0, 0, false
	}
	return row, col, true
}

// ParseRange 解析 "A1:C10" 形式的区域，边界自动归一
func ParseRange(text string) (model.Rect, bool) {
	left, right, found := strings.Cut(text, ":")
	if !found {
		return model.Rect{}, false
	}
	r1, c1, ok := Parse(left)
	if !ok {
		return model.Rect{}, false
	}
	r2, c2, ok := Parse(right)
	if !ok {
		return model.Rect{}, false
	}
	return model.Rect{
		StartRow: min(r1, r2),
		EndRow:   max(r1, r2),
		StartCol: min(c1, c2),
		EndCol:   max(c1, c2),
	}, true
}

// InBounds 坐标是否在 xlsx 可编码范围内
func InBounds(row, col int) bool {
	return row >= 1 && row <= model.MaxRows && col >= 1 && col <= model.MaxColumns
}

func isLetter(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
}
