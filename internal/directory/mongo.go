package directory

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo reads contacts from the users collection owned by the application,
// keyed by user id.
type Mongo struct {
	users *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{users: db.Collection("users")}
}

func (d *Mongo) Contact(ctx context.Context, userID string) (Contact, error) {
	var c Contact
	err := d.users.FindOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		options.FindOne().SetProjection(bson.D{{Key: "email", Value: 1}, {Key: "phoneNumber", Value: 1}}),
	).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Contact{}, ErrUserNotFound
		}
		return Contact{}, fmt.Errorf("find user contact: %w", err)
	}
	return c, nil
}
