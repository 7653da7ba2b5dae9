package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/chat"
)

// Profiles reads user display names and avatar paths.
type Profiles struct {
	col *mongo.Collection
}

func NewProfiles(db *mongo.Database) *Profiles {
	return &Profiles{col: db.Collection("profiles")}
}

// ByIDs returns the profiles found for ids, keyed by user id. Unknown ids
// are simply absent.
func (r *Profiles) ByIDs(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	out := make(map[string]chat.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := r.col.Find(ctx, bson.M{"_id": bson.M{"$in": uniq(ids)}})
	if err != nil {
		return nil, err
	}
	var docs []profileDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d.toProfile()
	}
	return out, nil
}

// AvatarPath returns the stored avatar path of a user.
func (r *Profiles) AvatarPath(ctx context.Context, userID string) (string, bool, error) {
	var doc profileDocument
	opts := options.FindOne().SetProjection(bson.M{"avatar_path": 1})
	err := r.col.FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return doc.AvatarPath, doc.AvatarPath != "", nil
}

// Save upserts a profile.
func (r *Profiles) Save(ctx context.Context, p chat.Profile) error {
	doc := profileDocument{ID: p.UserID, DisplayName: p.DisplayName, AvatarPath: p.AvatarPath}
	_, err := r.col.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

type profileDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarPath  string `bson:"avatar_path,omitempty"`
}

func (d profileDocument) toProfile() chat.Profile {
	return chat.Profile{UserID: d.ID, DisplayName: d.DisplayName, AvatarPath: d.AvatarPath}
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
