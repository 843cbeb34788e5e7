package rag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eloquent/ragchat/types"
)

// SystemPrompt 是约束模型只依据上下文回答并内联引用的系统指令。
const SystemPrompt = `You are the Fintech Assistant for a consumer fintech.
Follow these rules strictly:
- Use ONLY the provided context; do NOT invent facts.
- Cite sources inline using the format [FAQ x], for example [FAQ 11]. The FAQ number x is shown next to each context entry.
- If the answer is not in context, say you don’t know and suggest what to ask next.
- Keep answers concise, step-by-step if needed, and safe (never request sensitive data).

You will be given a section called "Context documents". Only answer using these.
`

var faqNumRe = regexp.MustCompile(`(\d+)`)

// extractFAQNum 从文档 ID 中提取 FAQ 编号; 无数字时退回原始 ID。
func extractFAQNum(docID string) string {
	if m := faqNumRe.FindString(docID); m != "" {
		return m
	}
	if docID == "" {
		return "n/a"
	}
	return docID
}

// FormatContext 将选中文档渲染为上下文块。
// 每条带 FAQ 编号、1 基排名、类别和 ID, 供模型按 [FAQ x] 引用。
func FormatContext(docs []types.Document) string {
	lines := make([]string, 0, len(docs))
	for i, d := range docs {
		category := d.Category
		if category == "" {
			category = "n/a"
		}
		head := fmt.Sprintf("[FAQ %s] [%d] (category: %s, id: %s)",
			extractFAQNum(d.ID), i+1, category, d.ID)
		lines = append(lines, head+"\n"+d.Text)
	}
	return strings.Join(lines, "\n\n")
}

// BuildMessages 组装模型就绪的消息列表:
// 系统指令、上下文块、最近历史（仅 user/assistant 角色）、新问题。
func BuildMessages(history []types.Message, question string, docs []types.Document) []types.Message {
	messages := make([]types.Message, 0, len(history)+3)
	messages = append(messages, types.NewSystemMessage(SystemPrompt))
	messages = append(messages, types.NewUserMessage("Context documents:\n"+FormatContext(docs)))
	for _, m := range history {
		if m.Role == types.RoleUser || m.Role == types.RoleAssistant {
			messages = append(messages, m)
		}
	}
	messages = append(messages, types.NewUserMessage(question))
	return messages
}
