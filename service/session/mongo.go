package session

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const SessionCollection = "sessions"

// Record is the subset of the session document the gateway reads.
type Record struct {
	SessionID       string    `bson:"session_id"`
	UserID          string    `bson:"user_id"`
	AccessTokenHash string    `bson:"access_token_hash"`
	IsValid         bool      `bson:"is_valid"`
	Status          string    `bson:"status"`
	ExpireTime      time.Time `bson:"expire_time"`
}

// MongoSessions checks the sessions collection written at login.
type MongoSessions struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoSessions(db *mongo.Database) *MongoSessions {
	return &MongoSessions{coll: db.Collection(SessionCollection), now: time.Now}
}

func (m *MongoSessions) Valid(ctx context.Context, tokenHash string) (bool, error) {
	var rec Record
	err := m.coll.FindOne(ctx,
		bson.M{"access_token_hash": tokenHash, "is_valid": true},
		options.FindOne().SetProjection(bson.M{"session_id": 1, "user_id": 1, "access_token_hash": 1, "is_valid": 1, "status": 1, "expire_time": 1}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.ExpireTime.IsZero() && !rec.ExpireTime.After(m.now()) {
		return false, nil
	}
	return true, nil
}
