package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/katakuxiko/ragchat/internal/model"
)

const instructions = `IMPORTANT INSTRUCTIONS:
- Answer ONLY the current question below
- Do NOT generate additional questions or continue the conversation
- Base the answer on the documents; if they are not enough, say so honestly
- You may cite sources using their [filename:chunk] tags
- Provide a complete, well-formed answer`

// DefaultTemplate используется, когда запрос не передал свой шаблон.
const DefaultTemplate = `You are a helpful assistant that answers questions based on the provided documents.

` + instructions + `

Relevant documents:
{context}

Question: {query}

Answer:`

// DefaultHistoryTemplate — то же, но с предыдущими ходами диалога.
const DefaultHistoryTemplate = `You are a helpful assistant that answers questions based on the provided documents and the conversation so far.

` + instructions + `

Previous conversation:
{history}

Relevant documents:
{context}

Current question: {query}

Answer:`

var placeholders = []string{"{context}", "{history}", "{query}", "{question}"}

// BuildPrompt подставляет контекст, историю и вопрос в шаблон. Пустой шаблон
// заменяется шаблоном по умолчанию.
func BuildPrompt(template, query string, passages []model.PassageHit, history []model.Turn) (string, error) {
	if template == "" {
		template = DefaultTemplate
		if len(history) > 0 {
			template = DefaultHistoryTemplate
		}
	}
	if err := checkTemplate(template); err != nil {
		return "", err
	}
	r := strings.NewReplacer(
		"{context}", FormatContext(passages),
		"{history}", FormatHistory(history),
		"{query}", query,
		"{question}", query,
	)
	return r.Replace(template), nil
}

// FormatContext склеивает чанки в порядке выдачи, каждый с тегом источника.
func FormatContext(passages []model.PassageHit) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = fmt.Sprintf("[%s:%d] %s", p.SourceFilename, p.ChunkIndex, p.Content)
	}
	return strings.Join(parts, "\n\n")
}

func FormatHistory(turns []model.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(t.Query)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Answer)
	}
	return b.String()
}

// checkTemplate отклоняет шаблоны, которые нельзя однозначно разобрать:
// не-UTF-8 текст и оборванные плейсхолдеры вроде "{context" без "}".
func checkTemplate(t string) error {
	if !utf8.ValidString(t) {
		return fmt.Errorf("%w: not valid UTF-8", model.ErrInvalidTemplate)
	}
	for i := 0; i < len(t); i++ {
		if t[i] != '{' {
			continue
		}
		rest := t[i:]
		for _, ph := range placeholders {
			name := ph[:len(ph)-1]
			if !strings.HasPrefix(rest, name) {
				continue
			}
			if len(rest) == len(name) || (rest[len(name)] != '}' && !isWordByte(rest[len(name)])) {
				return fmt.Errorf("%w: unterminated placeholder %s at offset %d", model.ErrInvalidTemplate, name, i)
			}
		}
	}
	return nil
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
