package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/auth"
)

// Sessions stores bearer sessions; expired documents are purged by a TTL index.
type Sessions struct {
	col *mongo.Collection
	now func() time.Time
}

func NewSessions(db *mongo.Database) *Sessions {
	return &Sessions{col: db.Collection("sessions"), now: time.Now}
}

func (s *Sessions) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	})
	return err
}

func (s *Sessions) Save(ctx context.Context, session *auth.Session) error {
	doc := newSessionDocument(session)
	_, err := s.col.UpdateByID(ctx, doc.Token, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

// Get returns a live session; expired sessions the TTL monitor has not
// purged yet are reported as auth.ErrSessionExpired.
func (s *Sessions) Get(ctx context.Context, token string) (*auth.Session, error) {
	var doc sessionDocument
	err := s.col.FindOne(ctx, bson.M{"_id": token}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session := doc.toSession()
	if session.Expired(s.now()) {
		return nil, auth.ErrSessionExpired
	}
	return session, nil
}

func (s *Sessions) Delete(ctx context.Context, token string) error {
	_, err := s.col.DeleteOne(ctx, bson.M{"_id": token})
	return err
}

type sessionDocument struct {
	Token     string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Roles     []string  `bson:"roles"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func newSessionDocument(s *auth.Session) sessionDocument {
	roles := make([]string, 0, len(s.Roles))
	for _, r := range s.Roles {
		roles = append(roles, string(r))
	}
	return sessionDocument{
		Token:     s.Token,
		UserID:    s.UserID,
		Roles:     roles,
		CreatedAt: s.CreatedAt.UTC(),
		ExpiresAt: s.ExpiresAt.UTC(),
	}
}

func (d sessionDocument) toSession() *auth.Session {
	roles := make([]auth.Role, 0, len(d.Roles))
	for _, r := range d.Roles {
		roles = append(roles, auth.Role(r))
	}
	return &auth.Session{
		Token:     d.Token,
		UserID:    d.UserID,
		Roles:     roles,
		CreatedAt: d.CreatedAt.UTC(),
		ExpiresAt: d.ExpiresAt.UTC(),
	}
}
