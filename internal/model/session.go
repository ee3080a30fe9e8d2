package model

import (
	"fmt"
	"time"
)

// Session — диалог: упорядоченный список ходов.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"history"`
}

// SessionSummary — строка списка диалогов.
type SessionSummary struct {
	ID          string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FirstQuery  string    `json:"first_query"`
	NumMessages int       `json:"num_messages"`
}

func (s Session) Summary() SessionSummary {
	out := SessionSummary{
		ID:          s.ID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		NumMessages: len(s.Turns),
	}
	if len(s.Turns) > 0 {
		out.FirstQuery = s.Turns[0].Query
	}
	return out
}

// Clone возвращает глубокую копию сессии.
func (s Session) Clone() Session {
	s.Turns = cloneTurns(s.Turns)
	return s
}

// RecentTurns возвращает не более n последних ходов из первых upto.
func (s Session) RecentTurns(upto, n int) []Turn {
	if upto > len(s.Turns) {
		upto = len(s.Turns)
	}
	if upto < 0 {
		upto = 0
	}
	start := 0
	if n >= 0 && upto-n > start {
		start = upto - n
	}
	return s.Turns[start:upto]
}

func (s *Session) AppendTurn(t Turn) {
	s.Turns = append(s.Turns, t.Clone())
}

func (s Session) checkIndex(idx int) error {
	if idx < 0 || idx >= len(s.Turns) {
		return fmt.Errorf("%w: %d (session has %d turns)", ErrTurnIndexOutOfRange, idx, len(s.Turns))
	}
	return nil
}

// ReplaceTurnVersions заменяет версии хода idx. Живой ответ хода берётся из
// текущей версии, а хвост сессии после idx становится её продолжением.
func (s *Session) ReplaceTurnVersions(idx int, v TurnVersions) error {
	if err := s.checkIndex(idx); err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return err
	}
	vv := v.Clone()
	cur := vv.Items[vv.Current]

	turn := s.Turns[idx]
	turn.Answer = cur.Answer
	turn.Chunks = cloneHits(cur.Chunks)
	turn.Versions = vv

	turns := make([]Turn, 0, idx+1+len(cur.FollowUps))
	turns = append(turns, s.Turns[:idx]...)
	turns = append(turns, turn)
	turns = append(turns, cloneTurns(cur.FollowUps)...)
	s.Turns = turns
	return nil
}

// CheckRegenerate проверяет, можно ли добавить новую версию ходу idx.
// Если у более поздних ходов уже есть версии, их ветки потерялись бы при
// усечении, поэтому такая операция отклоняется.
func (s Session) CheckRegenerate(idx int) error {
	if err := s.checkIndex(idx); err != nil {
		return err
	}
	for i := idx + 1; i < len(s.Turns); i++ {
		if s.Turns[i].Versions != nil {
			return fmt.Errorf("%w: turn %d has versions of its own", ErrConflictingOperation, i)
		}
	}
	return nil
}

// Regenerate добавляет ходу idx новую версию ответа и делает её текущей.
// Прежний хвост сессии сохраняется как продолжение предыдущей версии.
func (s *Session) Regenerate(idx int, answer string, chunks []PassageHit) error {
	if err := s.CheckRegenerate(idx); err != nil {
		return err
	}
	turn := s.Turns[idx]
	tail := cloneTurns(s.Turns[idx+1:])
	if tail == nil {
		tail = []Turn{}
	}

	var v *TurnVersions
	if turn.Versions == nil {
		v = &TurnVersions{Items: []TurnVersion{{
			Answer:    turn.Answer,
			Chunks:    cloneHits(turn.Chunks),
			FollowUps: tail,
		}}}
	} else {
		v = turn.Versions.Clone()
		v.Items[v.Current].FollowUps = tail
	}
	v.Items = append(v.Items, TurnVersion{Answer: answer, Chunks: cloneHits(chunks), FollowUps: []Turn{}})
	v.Current = len(v.Items) - 1
	return s.ReplaceTurnVersions(idx, *v)
}

// SelectTurnVersion переключает ход idx на версию version, сохраняя текущий
// хвост в продолжении активной версии.
func (s *Session) SelectTurnVersion(idx, version int) error {
	if err := s.checkIndex(idx); err != nil {
		return err
	}
	turn := s.Turns[idx]
	if turn.Versions == nil {
		if version == 0 {
			return nil
		}
		return fmt.Errorf("%w: turn %d has a single version", ErrVersionMismatch, idx)
	}
	if version < 0 || version >= len(turn.Versions.Items) {
		return fmt.Errorf("%w: version %d of %d", ErrVersionMismatch, version, len(turn.Versions.Items))
	}
	v := turn.Versions.Clone()
	tail := cloneTurns(s.Turns[idx+1:])
	if tail == nil {
		tail = []Turn{}
	}
	v.Items[v.Current].FollowUps = tail
	v.Current = version
	return s.ReplaceTurnVersions(idx, *v)
}
