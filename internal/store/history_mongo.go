package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/katakuxiko/ragchat/internal/model"
)

const mongoUpdateAttempts = 5

// MongoSessions хранит сессию одним документом. Параллельные записи
// разводятся по полю revision (optimistic locking).
type MongoSessions struct {
	coll *mongo.Collection
}

func NewMongoSessions(coll *mongo.Collection) *MongoSessions {
	return &MongoSessions{coll: coll}
}

type sessionDoc struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Revision  int64     `bson:"revision"`
	Turns     []turnDoc `bson:"turns"`
}

type turnDoc struct {
	Query          string       `bson:"query"`
	Answer         string       `bson:"answer"`
	Chunks         []hitDoc     `bson:"chunks"`
	Timestamp      time.Time    `bson:"timestamp"`
	Versions       []versionDoc `bson:"versions,omitempty"`
	CurrentVersion int          `bson:"current_version"`
}

type versionDoc struct {
	Answer    string    `bson:"answer"`
	Chunks    []hitDoc  `bson:"chunks"`
	FollowUps []turnDoc `bson:"follow_ups"`
}

type hitDoc struct {
	Content    string         `bson:"content"`
	DocumentID string         `bson:"document_id"`
	Filename   string         `bson:"filename"`
	ChunkIndex int            `bson:"chunk_index"`
	Score      float64        `bson:"score"`
	Metadata   map[string]any `bson:"metadata,omitempty"`
}

func (m *MongoSessions) Insert(ctx context.Context, s model.Session) error {
	_, err := m.coll.InsertOne(ctx, toSessionDoc(s, 0))
	return err
}

func (m *MongoSessions) load(ctx context.Context, id string) (sessionDoc, error) {
	var doc sessionDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, notFound(id)
	}
	return doc, err
}

func (m *MongoSessions) Load(ctx context.Context, id string) (model.Session, error) {
	doc, err := m.load(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	return doc.toModel(), nil
}

func (m *MongoSessions) Update(ctx context.Context, id string, fn func(*model.Session) error) error {
	for attempt := 0; attempt < mongoUpdateAttempts; attempt++ {
		doc, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		s := doc.toModel()
		if err := fn(&s); err != nil {
			return err
		}
		res, err := m.coll.ReplaceOne(ctx,
			bson.M{"_id": id, "revision": doc.Revision},
			toSessionDoc(s, doc.Revision+1))
		if err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s changed concurrently", model.ErrConflictingOperation, id)
}

func (m *MongoSessions) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return notFound(id)
	}
	return nil
}

func (m *MongoSessions) List(ctx context.Context) ([]model.SessionSummary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []model.SessionSummary{}
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel().Summary())
	}
	return out, cur.Err()
}

func toSessionDoc(s model.Session, rev int64) sessionDoc {
	return sessionDoc{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Revision:  rev,
		Turns:     toTurnDocs(s.Turns),
	}
}

func (d sessionDoc) toModel() model.Session {
	turns := fromTurnDocs(d.Turns)
	if turns == nil {
		turns = []model.Turn{}
	}
	return model.Session{ID: d.ID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, Turns: turns}
}

func toTurnDocs(in []model.Turn) []turnDoc {
	out := make([]turnDoc, len(in))
	for i, t := range in {
		td := turnDoc{Query: t.Query, Answer: t.Answer, Chunks: toHitDocs(t.Chunks), Timestamp: t.Timestamp}
		if t.Versions != nil {
			td.CurrentVersion = t.Versions.Current
			td.Versions = make([]versionDoc, len(t.Versions.Items))
			for j, v := range t.Versions.Items {
				td.Versions[j] = versionDoc{Answer: v.Answer, Chunks: toHitDocs(v.Chunks), FollowUps: toTurnDocs(v.FollowUps)}
			}
		}
		out[i] = td
	}
	return out
}

func fromTurnDocs(in []turnDoc) []model.Turn {
	if in == nil {
		return nil
	}
	out := make([]model.Turn, len(in))
	for i, td := range in {
		t := model.Turn{Query: td.Query, Answer: td.Answer, Chunks: fromHitDocs(td.Chunks), Timestamp: td.Timestamp}
		if len(td.Versions) > 0 {
			v := &model.TurnVersions{Items: make([]model.TurnVersion, len(td.Versions)), Current: td.CurrentVersion}
			for j, vd := range td.Versions {
				follow := fromTurnDocs(vd.FollowUps)
				if follow == nil {
					follow = []model.Turn{}
				}
				v.Items[j] = model.TurnVersion{Answer: vd.Answer, Chunks: fromHitDocs(vd.Chunks), FollowUps: follow}
			}
			t.Versions = v
		}
		out[i] = t
	}
	return out
}

func toHitDocs(in []model.PassageHit) []hitDoc {
	out := make([]hitDoc, len(in))
	for i, h := range in {
		out[i] = hitDoc{
			Content:    h.Content,
			DocumentID: h.SourceDocumentID,
			Filename:   h.SourceFilename,
			ChunkIndex: h.ChunkIndex,
			Score:      h.Score,
			Metadata:   h.Metadata,
		}
	}
	return out
}

func fromHitDocs(in []hitDoc) []model.PassageHit {
	out := make([]model.PassageHit, len(in))
	for i, h := range in {
		out[i] = model.PassageHit{
			Content:          h.Content,
			SourceDocumentID: h.DocumentID,
			SourceFilename:   h.Filename,
			ChunkIndex:       h.ChunkIndex,
			Score:            h.Score,
			Metadata:         plainMetadata(h.Metadata),
		}
	}
	return out
}

// plainMetadata приводит вложенные bson.D/bson.A к map и slice, как их
// отдают остальные хранилища.
func plainMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plainValue(e.Value)
		}
		return m
	case bson.M:
		return plainMetadata(x)
	case map[string]any:
		return plainMetadata(x)
	case bson.A:
		return plainSlice(x)
	case []any:
		return plainSlice(x)
	default:
		return v
	}
}

func plainSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = plainValue(v)
	}
	return out
}

// ConnectMongo открывает клиента и проверяет соединение.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}
