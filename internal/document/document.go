package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"rsc.io/pdf"

	"github.com/katakuxiko/ragchat/internal/model"
)

var ErrUnsupportedType = errors.New("unsupported file type")

// FileType возвращает расширение файла в нижнем регистре, например ".pdf".
func FileType(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Supported сообщает, умеем ли мы извлекать текст из файла с таким именем.
func Supported(filename string) bool {
	switch FileType(filename) {
	case ".txt", ".md", ".pdf", ".html", ".htm":
		return true
	}
	return false
}

// ID — SHA-256 содержимого; одинаковые файлы получают одинаковый id.
func ID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExtractText достаёт текст в зависимости от расширения файла.
func ExtractText(filename string, data []byte) (string, error) {
	switch FileType(filename) {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%s: not valid UTF-8", filename)
		}
		return string(data), nil
	case ".pdf":
		return extractPDF(data)
	case ".html", ".htm":
		return extractHTML(filename, data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filename)
	}
}

func extractPDF(data []byte) (text string, err error) {
	// rsc.io/pdf паникует на битых файлах
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, t := range p.Content().Text {
			sb.WriteString(t.S)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func extractHTML(filename string, data []byte) (string, error) {
	base := &url.URL{Scheme: "file", Path: "/" + filepath.Base(filename)}
	article, err := readability.FromReader(bytes.NewReader(data), base)
	if err != nil {
		return "", err
	}
	text := article.TextContent
	if title := strings.TrimSpace(article.Title); title != "" && !strings.Contains(text, title) {
		text = title + "\n" + text
	}
	return text, nil
}

// Sanitize убирает нулевые байты и схлопывает пробельные символы.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToValidUTF8(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// ChunkByWords режет текст скользящим окном по словам.
func ChunkByWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if size <= 0 {
		size = 200
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	var out []string
	for i := 0; i < len(words); i += size - overlap {
		end := min(i+size, len(words))
		out = append(out, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// Split превращает текст документа в чанки для хранилища.
func Split(docID, filename, text string, size, overlap int) []model.Chunk {
	parts := ChunkByWords(Sanitize(text), size, overlap)
	chunks := make([]model.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = model.Chunk{
			ID:         fmt.Sprintf("%s_chunk_%d", docID, i),
			DocumentID: docID,
			Filename:   filename,
			Index:      i,
			Text:       p,
		}
	}
	return chunks
}
