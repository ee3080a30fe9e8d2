package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/katakuxiko/ragchat/internal/model"
)

// Answer — ответ на запрос без стриминга.
type Answer struct {
	Query           string             `json:"query"`
	Answer          string             `json:"answer"`
	RetrievedChunks []model.PassageHit `json:"retrieved_chunks"`
	Metadata        AnswerMetadata     `json:"metadata"`
	ChatID          string             `json:"chat_id,omitempty"`
	Warning         string             `json:"warning,omitempty"`
}

type AnswerMetadata struct {
	NumChunks      int     `json:"num_chunks_retrieved"`
	ProcessingTime float64 `json:"processing_time"`
	Model          string  `json:"model,omitempty"`
}

type RAGService struct {
	streamer *Streamer
}

func NewRAGService(s *Streamer) *RAGService {
	return &RAGService{streamer: s}
}

// Ask прогоняет запрос через тот же конвейер, что и стрим, и собирает
// ответ целиком.
func (s *RAGService) Ask(ctx context.Context, req model.QueryRequest) (*Answer, error) {
	start := time.Now()
	out := &Answer{Query: req.Query, RetrievedChunks: []model.PassageHit{}}
	var b strings.Builder
	var failure error

	for ev := range s.streamer.Stream(ctx, req) {
		switch ev.Type {
		case model.EventChunks:
			if ev.Chunks != nil {
				out.RetrievedChunks = ev.Chunks
			}
		case model.EventToken:
			b.WriteString(ev.Token)
		case model.EventDone:
			out.ChatID = ev.ChatID
			out.Warning = ev.Warning
		case model.EventError:
			failure = ev.Err
			if failure == nil {
				failure = fmt.Errorf("%s", ev.Error)
			}
		}
	}
	if failure != nil {
		return nil, failure
	}

	out.Answer = strings.TrimSpace(b.String())
	out.Metadata = AnswerMetadata{
		NumChunks:      len(out.RetrievedChunks),
		ProcessingTime: time.Since(start).Seconds(),
		Model:          req.Model,
	}
	return out, nil
}
