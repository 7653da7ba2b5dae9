package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/chat"
)

// Posts reads marketplace listings; chat only needs their titles.
type Posts struct {
	col *mongo.Collection
}

func NewPosts(db *mongo.Database) *Posts {
	return &Posts{col: db.Collection("posts")}
}

func (r *Posts) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "owner_id", Value: 1}}})
	return err
}

// Titles returns listing refs for ids, keyed by listing id.
func (r *Posts) Titles(ctx context.Context, ids []string) (map[string]chat.ListingRef, error) {
	out := make(map[string]chat.ListingRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	opts := options.Find().SetProjection(bson.M{"title": 1})
	cur, err := r.col.Find(ctx, bson.M{"_id": bson.M{"$in": uniq(ids)}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []postDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = chat.ListingRef{ID: d.ID, Title: d.Title}
	}
	return out, nil
}

type postDocument struct {
	ID      string `bson:"_id"`
	Title   string `bson:"title"`
	OwnerID string `bson:"owner_id,omitempty"`
}
