// Package rag 实现检索增强的核心流水线:
// 查询分解、类别软过滤、跨子句去重与公平选择。
package rag

import (
	"regexp"
	"strings"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\w\s']`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	splitRe      = regexp.MustCompile(`\b(?:and|also|but)\b|[;?.!,]`)
)

// Normalize 归一化查询文本: 小写, 去掉除撇号外的标点, 折叠空白.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = nonWordRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Decompose 将可能含多个意图的查询拆分为独立子句。
//
// 在连词（and/also/but）和句末标点处切分; 只保留至少 3 个词的片段
// 以过滤噪声。若没有片段通过长度过滤, 则整个归一化查询作为唯一子句返回,
// 因此非空输入的输出永远非空。
func Decompose(query string) []string {
	qn := Normalize(query)

	parts := splitRe.Split(qn, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(strings.Fields(p)) >= 3 {
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return []string{qn}
	}
	return out
}
