package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Turn — один обмен вопрос/ответ в сессии.
type Turn struct {
	Query     string
	Answer    string
	Chunks    []PassageHit
	Timestamp time.Time
	// nil, пока ход ни разу не перегенерировали
	Versions *TurnVersions
}

// TurnVersion — альтернативный ответ хода вместе с ходами, которые шли
// за ним, пока он был текущим.
type TurnVersion struct {
	Answer    string
	Chunks    []PassageHit
	FollowUps []Turn
}

// TurnVersions — все ответы хода. Items[Current] совпадает с живыми
// Answer и Chunks хода.
type TurnVersions struct {
	Items   []TurnVersion
	Current int
}

// NewTurnVersions собирает версии из параллельных массивов одинаковой длины.
// current == nil выбирает последнюю версию.
func NewTurnVersions(answers []string, chunks [][]PassageHit, followUps [][]Turn, current *int) (*TurnVersions, error) {
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: at least one version is required", ErrVersionMismatch)
	}
	if len(chunks) != len(answers) || len(followUps) != len(answers) {
		return nil, fmt.Errorf("%w: %d versions, %d chunk sets, %d follow-up sets",
			ErrVersionMismatch, len(answers), len(chunks), len(followUps))
	}
	v := &TurnVersions{Items: make([]TurnVersion, len(answers)), Current: len(answers) - 1}
	for i := range answers {
		v.Items[i] = TurnVersion{
			Answer:    answers[i],
			Chunks:    cloneHits(chunks[i]),
			FollowUps: cloneTurns(followUps[i]),
		}
	}
	if current != nil {
		v.Current = *current
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *TurnVersions) Validate() error {
	if v == nil {
		return nil
	}
	if len(v.Items) == 0 {
		return fmt.Errorf("%w: empty version list", ErrVersionMismatch)
	}
	if v.Current < 0 || v.Current >= len(v.Items) {
		return fmt.Errorf("%w: current version %d of %d", ErrVersionMismatch, v.Current, len(v.Items))
	}
	return nil
}

func (v *TurnVersions) Answers() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.Items))
	for i, it := range v.Items {
		out[i] = it.Answer
	}
	return out
}

func (v *TurnVersions) Clone() *TurnVersions {
	if v == nil {
		return nil
	}
	out := &TurnVersions{Items: make([]TurnVersion, len(v.Items)), Current: v.Current}
	for i, it := range v.Items {
		out.Items[i] = TurnVersion{
			Answer:    it.Answer,
			Chunks:    cloneHits(it.Chunks),
			FollowUps: cloneTurns(it.FollowUps),
		}
	}
	return out
}

// Clone — глубокая копия хода.
func (t Turn) Clone() Turn {
	t.Chunks = cloneHits(t.Chunks)
	t.Versions = t.Versions.Clone()
	return t
}

type turnWire struct {
	Query              string         `json:"query"`
	Answer             string         `json:"answer"`
	Chunks             []PassageHit   `json:"chunks"`
	Timestamp          time.Time      `json:"timestamp"`
	Versions           []string       `json:"versions,omitempty"`
	VersionsChunks     [][]PassageHit `json:"versions_chunks,omitempty"`
	MessagesPerVersion [][]Turn       `json:"messages_per_version,omitempty"`
	CurrentVersion     *int           `json:"current_version,omitempty"`
}

// MarshalJSON раскладывает версии в параллельные массивы, которые ждёт веб-клиент.
func (t Turn) MarshalJSON() ([]byte, error) {
	w := turnWire{
		Query:     t.Query,
		Answer:    t.Answer,
		Chunks:    nonNilHits(t.Chunks),
		Timestamp: t.Timestamp,
	}
	if t.Versions != nil {
		n := len(t.Versions.Items)
		w.Versions = make([]string, n)
		w.VersionsChunks = make([][]PassageHit, n)
		w.MessagesPerVersion = make([][]Turn, n)
		for i, it := range t.Versions.Items {
			w.Versions[i] = it.Answer
			w.VersionsChunks[i] = nonNilHits(it.Chunks)
			w.MessagesPerVersion[i] = nonNilTurns(it.FollowUps)
		}
		cur := t.Versions.Current
		w.CurrentVersion = &cur
	}
	return json.Marshal(w)
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var w turnWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Turn{Query: w.Query, Answer: w.Answer, Chunks: w.Chunks, Timestamp: w.Timestamp}
	if len(w.Versions) == 0 && len(w.VersionsChunks) == 0 && len(w.MessagesPerVersion) == 0 {
		return nil
	}
	v, err := NewTurnVersions(w.Versions, w.VersionsChunks, w.MessagesPerVersion, w.CurrentVersion)
	if err != nil {
		return err
	}
	t.Versions = v
	return nil
}

func cloneHits(in []PassageHit) []PassageHit {
	if in == nil {
		return nil
	}
	out := make([]PassageHit, len(in))
	for i, h := range in {
		h.Metadata = maps.Clone(h.Metadata)
		out[i] = h
	}
	return out
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

func nonNilHits(in []PassageHit) []PassageHit {
	if in == nil {
		return []PassageHit{}
	}
	return in
}

func nonNilTurns(in []Turn) []Turn {
	if in == nil {
		return []Turn{}
	}
	return in
}
