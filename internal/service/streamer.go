package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/lock"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/util"
)

// State — стадия обработки одного запроса.
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StateComposing
	StateGenerating
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StateComposing:
		return "composing"
	case StateGenerating:
		return "generating"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrCancelled = errors.New("request cancelled")

// History — операции истории, которые нужны стримеру.
type History interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	AppendTurn(ctx context.Context, id string, t model.Turn) error
	Regenerate(ctx context.Context, id string, idx int, answer string, chunks []model.PassageHit) error
}

type StreamerDeps struct {
	Retriever *Retriever
	Generator llm.Generator
	History   History
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// MaxHistoryTurns ограничивает число прошлых ходов в промпте; < 0 — без ограничения.
	MaxHistoryTurns int
}

// Streamer ведёт запрос через retrieval, сборку промпта, генерацию и запись
// в историю, отдавая события по мере готовности.
type Streamer struct {
	retriever *Retriever
	generator llm.Generator
	history   History
	locker    lock.Locker
	metrics   *metrics.Metrics
	log       *zap.Logger
	maxTurns  int
	now       func() time.Time
}

func NewStreamer(d StreamerDeps) *Streamer {
	locker := d.Locker
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Streamer{
		retriever: d.Retriever,
		generator: d.Generator,
		history:   d.History,
		locker:    locker,
		metrics:   d.Metrics,
		log:       logging.OrNop(d.Logger),
		maxTurns:  d.MaxHistoryTurns,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Stream запускает обработку запроса. События идут в порядке
// chunks? token* (done|error); после терминального события канал закрывается.
// Вызывающий должен вычитать канал до закрытия, даже после отмены ctx.
func (s *Streamer) Stream(ctx context.Context, req model.QueryRequest) <-chan model.Event {
	out := make(chan model.Event, 1)
	go s.run(ctx, req, out)
	return out
}

type run struct {
	s       *Streamer
	ctx     context.Context
	req     model.QueryRequest
	out     chan<- model.Event
	state   State
	start   time.Time
	tokens  int
	log     *zap.Logger
	outcome string
}

func (s *Streamer) run(ctx context.Context, req model.QueryRequest, out chan<- model.Event) {
	r := &run{
		s:     s,
		ctx:   ctx,
		req:   req,
		out:   out,
		start: time.Now(),
		log: s.log.With(
			zap.String("chat_id", req.ChatID),
			zap.String("query", util.TruncateRunes(req.Query, 80)),
		),
	}
	defer close(out)
	defer func() {
		s.metrics.ObserveQuery(r.outcome, time.Since(r.start))
		r.log.Info("query finished",
			zap.String("outcome", r.outcome),
			zap.Stringer("state", r.state),
			zap.Int("tokens", r.tokens),
			zap.Duration("elapsed", time.Since(r.start)))
	}()
	r.execute()
}

func (r *run) to(next State) {
	r.log.Debug("state transition", zap.Stringer("from", r.state), zap.Stringer("to", next))
	r.state = next
}

// emit отдаёт нетерминальное событие; false означает, что клиент ушёл.
func (r *run) emit(ev model.Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) fail(err error) {
	r.to(StateErrored)
	r.outcome = "error"
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		r.outcome = "cancelled"
		err = ErrCancelled
		r.log.Info("query cancelled")
	case errors.Is(err, model.ErrConflictingOperation):
		r.s.metrics.Conflict()
		r.log.Warn("query rejected", zap.Error(err))
	default:
		r.log.Error("query failed", zap.Error(err))
	}
	r.out <- model.Event{Type: model.EventError, Error: err.Error(), Err: err}
}

func (r *run) execute() {
	s, req := r.s, r.req
	if err := req.Validate(); err != nil {
		r.fail(err)
		return
	}
	params := req.Parameters()
	if params.PromptTemplate != "" {
		if err := checkTemplate(params.PromptTemplate); err != nil {
			r.fail(err)
			return
		}
	}

	query := req.Query
	var prior []model.Turn
	var held context.Context
	if req.ChatID != "" {
		var unlock func()
		var err error
		held, unlock, err = s.locker.TryLock(r.ctx, req.ChatID)
		if err != nil {
			r.fail(err)
			return
		}
		defer unlock()

		if params.UseHistory || req.Regenerate() {
			sess, err := s.history.GetSession(r.ctx, req.ChatID)
			if err != nil {
				r.fail(err)
				return
			}
			upto := len(sess.Turns)
			if req.Regenerate() {
				idx := *req.RegenerateTurnIndex
				if err := sess.CheckRegenerate(idx); err != nil {
					r.fail(err)
					return
				}
				// ход переспрашивается с исходным вопросом
				query = sess.Turns[idx].Query
				upto = idx
			}
			if params.UseHistory {
				prior = sess.RecentTurns(upto, s.maxTurns)
			}
		}
	}

	r.to(StateRetrieving)
	t0 := time.Now()
	hits, err := s.retriever.Retrieve(r.ctx, query, params)
	s.metrics.ObserveRetrieval(time.Since(t0))
	if err != nil {
		if r.ctx.Err() != nil {
			err = ErrCancelled
		}
		r.fail(err)
		return
	}
	if !r.emit(model.Event{Type: model.EventChunks, Chunks: hits}) {
		r.fail(ErrCancelled)
		return
	}

	r.to(StateComposing)
	prompt, err := BuildPrompt(params.PromptTemplate, query, hits, prior)
	if err != nil {
		r.fail(err)
		return
	}

	r.to(StateGenerating)
	answer, err := r.generate(prompt, params.Sampling)
	if err != nil {
		r.fail(err)
		return
	}

	r.to(StateFinalizing)
	done := model.Event{Type: model.EventDone}
	if req.ChatID != "" {
		// без замка писать в историю нельзя
		if held.Err() != nil {
			r.fail(context.Cause(held))
			return
		}
		done.ChatID = req.ChatID
		if err := r.persist(query, answer, hits); err != nil {
			s.metrics.PersistFailed()
			r.log.Warn("answer not saved to history", zap.Error(err))
			done.Warning = "answer was not saved to chat history: " + err.Error()
		}
	}

	r.to(StateDone)
	r.outcome = "done"
	r.out <- done
}

func (r *run) generate(prompt string, p model.SamplingParams) (string, error) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	tokens, err := r.s.generator.Generate(ctx, prompt, p)
	if err != nil {
		if r.ctx.Err() != nil {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}

	var answer strings.Builder
	for {
		select {
		case <-r.ctx.Done():
			return "", ErrCancelled
		case tok, ok := <-tokens:
			if !ok {
				if r.ctx.Err() != nil {
					return "", ErrCancelled
				}
				return answer.String(), nil
			}
			if tok.Err != nil {
				if r.ctx.Err() != nil {
					return "", ErrCancelled
				}
				return "", fmt.Errorf("%w: %w", model.ErrGenerationFailed, tok.Err)
			}
			answer.WriteString(tok.Text)
			r.tokens++
			r.s.metrics.TokenStreamed()
			if !r.emit(model.Event{Type: model.EventToken, Token: tok.Text}) {
				return "", ErrCancelled
			}
		}
	}
}

func (r *run) persist(query, answer string, hits []model.PassageHit) error {
	if r.req.Regenerate() {
		return r.s.history.Regenerate(r.ctx, r.req.ChatID, *r.req.RegenerateTurnIndex, answer, hits)
	}
	return r.s.history.AppendTurn(r.ctx, r.req.ChatID, model.Turn{
		Query:     query,
		Answer:    answer,
		Chunks:    hits,
		Timestamp: r.s.now(),
	})
}
