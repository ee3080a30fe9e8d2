package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Chunk — окно текста документа, как его режет загрузка и пишет хранилище.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Index      int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// DocumentInfo — загруженный документ в том виде, как его отдаёт хранилище.
type DocumentInfo struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	UploadDate string `json:"upload_date"`
	NumChunks  int    `json:"num_chunks"`
	FileSize   int64  `json:"file_size"`
}

// PassageHit — найденный чанк с косинусным сходством.
type PassageHit struct {
	Content          string         `json:"content"`
	SourceDocumentID string         `json:"document_id"`
	SourceFilename   string         `json:"filename"`
	ChunkIndex       int            `json:"chunk_index"`
	Score            float64        `json:"score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SamplingParams передаются генератору как есть.
type SamplingParams struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

type QueryParameters struct {
	TopK               int
	RelevanceThreshold float64
	Sampling           SamplingParams
	UseHistory         bool
	PromptTemplate     string
}

// QueryRequest — тело запроса. Декодируется поверх значений по умолчанию,
// поэтому отсутствующие поля сохраняют их.
type QueryRequest struct {
	Query               string  `json:"query"`
	TopK                int     `json:"top_k"`
	RelevanceThreshold  float64 `json:"relevance_threshold"`
	Temperature         float64 `json:"temperature"`
	MaxTokens           int     `json:"max_tokens"`
	TopP                float64 `json:"top_p"`
	TopKSampling        int     `json:"top_k_sampling"`
	UseChatHistory      bool    `json:"use_chat_history"`
	ChatID              string  `json:"chat_id,omitempty"`
	Prompt              string  `json:"prompt,omitempty"`
	Model               string  `json:"model,omitempty"`
	RegenerateTurnIndex *int    `json:"regenerate_turn_index,omitempty"`
}

// Regenerate — запрос на новую версию уже существующего хода.
func (r QueryRequest) Regenerate() bool { return r.RegenerateTurnIndex != nil }

func (r QueryRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" && !r.Regenerate() {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if r.Regenerate() && strings.TrimSpace(r.ChatID) == "" {
		return fmt.Errorf("%w: chat_id is required to regenerate a turn", ErrInvalidRequest)
	}
	switch {
	case r.TopK < 1 || r.TopK > 100:
		return fmt.Errorf("%w: top_k must be between 1 and 100", ErrInvalidRequest)
	case r.RelevanceThreshold < 0 || r.RelevanceThreshold > 1:
		return fmt.Errorf("%w: relevance_threshold must be between 0 and 1", ErrInvalidRequest)
	case r.Temperature < 0 || r.Temperature > 2:
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidRequest)
	case r.MaxTokens < 1:
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	case r.TopP < 0 || r.TopP > 1:
		return fmt.Errorf("%w: top_p must be between 0 and 1", ErrInvalidRequest)
	case r.TopKSampling < 1:
		return fmt.Errorf("%w: top_k_sampling must be positive", ErrInvalidRequest)
	}
	return nil
}

// Parameters раскладывает запрос на параметры поиска и генерации.
func (r QueryRequest) Parameters() QueryParameters {
	return QueryParameters{
		TopK:               r.TopK,
		RelevanceThreshold: r.RelevanceThreshold,
		UseHistory:         r.UseChatHistory,
		PromptTemplate:     r.Prompt,
		Sampling: SamplingParams{
			Model:       r.Model,
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			TopP:        r.TopP,
			TopK:        r.TopKSampling,
		},
	}
}

type EventType string

const (
	EventChunks EventType = "chunks"
	EventToken  EventType = "token"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event — одно сообщение потока ответа.
type Event struct {
	Type    EventType
	Chunks  []PassageHit
	Token   string
	Error   string
	ChatID  string
	Warning string
	// Err — исходная ошибка для error-события; в JSON не попадает.
	Err error
}

// Terminal — после этого события поток закрывается.
func (e Event) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventChunks:
		chunks := e.Chunks
		if chunks == nil {
			chunks = []PassageHit{}
		}
		return json.Marshal(struct {
			Type   EventType    `json:"type"`
			Chunks []PassageHit `json:"chunks"`
		}{e.Type, chunks})
	case EventToken:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Token string    `json:"token"`
		}{e.Type, e.Token})
	case EventDone:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			ChatID  string    `json:"chat_id,omitempty"`
			Warning string    `json:"warning,omitempty"`
		}{e.Type, e.ChatID, e.Warning})
	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Error})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		Type    EventType    `json:"type"`
		Chunks  []PassageHit `json:"chunks"`
		Token   string       `json:"token"`
		Error   string       `json:"error"`
		ChatID  string       `json:"chat_id"`
		Warning string       `json:"warning"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type, Chunks: w.Chunks, Token: w.Token, Error: w.Error, ChatID: w.ChatID, Warning: w.Warning}
	return nil
}
