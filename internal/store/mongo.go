package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
	"github.com/lk2023060901/guessr-gateway/pkg/util/retry"
)

// MongoConfig 为 MongoDB 连接配置。
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	RetryAttempts  uint          `mapstructure:"retryAttempts"`
	RetryInterval  time.Duration `mapstructure:"retryInterval"`
}

func (c *MongoConfig) applyDefaults() {
	if c.Collection == "" {
		c.Collection = "users"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
}

// userDocument 与 users 集合中的文档一一对应。
type userDocument struct {
	ID                 bson.ObjectID   `bson:"_id"`
	Secret             string          `bson:"secret"`
	Username           string          `bson:"username"`
	Supporter          bool            `bson:"supporter"`
	Banned             bool            `bson:"banned"`
	Elo                int             `bson:"elo"`
	TimeZone           string          `bson:"timeZone"`
	LastLogin          time.Time       `bson:"lastLogin"`
	Streak             int             `bson:"streak"`
	FirstLoginComplete bool            `bson:"firstLoginComplete"`
	Friends            []bson.ObjectID `bson:"friends"`
	SentReq            []bson.ObjectID `bson:"sentReq"`
	ReceivedReq        []bson.ObjectID `bson:"receivedReq"`
	AllowFriendReq     bool            `bson:"allowFriendReq"`
}

func (d *userDocument) toUser() *User {
	return &User{
		ID:                 d.ID.Hex(),
		Secret:             d.Secret,
		Username:           d.Username,
		Supporter:          d.Supporter,
		Banned:             d.Banned,
		Elo:                d.Elo,
		TimeZone:           d.TimeZone,
		LastLogin:          d.LastLogin,
		Streak:             d.Streak,
		FirstLoginComplete: d.FirstLoginComplete,
		Friends:            hexIDs(d.Friends),
		SentRequests:       hexIDs(d.SentReq),
		ReceivedRequests:   hexIDs(d.ReceivedReq),
		AllowFriendReq:     d.AllowFriendReq,
	}
}

func hexIDs(ids []bson.ObjectID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Hex())
	}
	return out
}

// MongoStore 是基于 MongoDB users 集合的 UserStore。
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ UserStore = (*MongoStore)(nil)

const (
	updateAttempts      = 3
	updateRetryInterval = 100 * time.Millisecond
)

// ConnectMongo 连接 MongoDB 并确认可用，失败时按配置重试。
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, merr.WrapErrParameterMissing("mongo.uri")
	}
	if cfg.Database == "" {
		return nil, merr.WrapErrParameterMissing("mongo.database")
	}
	cfg.applyDefaults()

	var client *mongo.Client
	err := retry.Do(ctx, func() error {
		c, err := mongo.Connect(options.Client().
			ApplyURI(cfg.URI).
			SetConnectTimeout(cfg.ConnectTimeout))
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.Background())
			log.Ctx(ctx).Warn("mongo not ready", zap.Error(err))
			return err
		}
		client = c
		return nil
	}, retry.Attempts(cfg.RetryAttempts), retry.Sleep(cfg.RetryInterval))
	if err != nil {
		return nil, merr.WrapErrServiceUnavailable(err.Error(), "connect mongo")
	}
	return NewMongoStore(client, cfg.Database, cfg.Collection), nil
}

// NewMongoStore 使用已有的客户端创建存储。
func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}
}

func (m *MongoStore) FindByID(ctx context.Context, id string) (*User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, merr.WrapErrUserNotFound(id, "malformed id")
	}
	return m.findOne(ctx, bson.D{{Key: "_id", Value: oid}}, id)
}

func (m *MongoStore) FindBySecret(ctx context.Context, secret string) (*User, error) {
	return m.findOne(ctx, bson.D{{Key: "secret", Value: secret}}, "secret")
}

func (m *MongoStore) findOne(ctx context.Context, filter bson.D, desc string) (*User, error) {
	var doc userDocument
	err := m.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, merr.WrapErrUserNotFound(desc)
	}
	if err != nil {
		return nil, merr.WrapErrStoreFailed("find user", err)
	}
	return doc.toUser(), nil
}

func (m *MongoStore) UpdateLogin(ctx context.Context, id string, update LoginUpdate) error {
	return m.updateByID(ctx, id, bson.D{
		{Key: "timeZone", Value: update.TimeZone},
		{Key: "lastLogin", Value: update.LastLogin},
		{Key: "streak", Value: update.Streak},
		{Key: "firstLoginComplete", Value: true},
	})
}

func (m *MongoStore) SetRating(ctx context.Context, id string, elo int) error {
	return m.updateByID(ctx, id, bson.D{{Key: "elo", Value: elo}})
}

func (m *MongoStore) updateByID(ctx context.Context, id string, set bson.D) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return merr.WrapErrUserNotFound(id, "malformed id")
	}
	// 写失败按可重试错误重试，用户不存在立即返回。
	return retry.Do(ctx, func() error {
		res, err := m.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return merr.WrapErrStoreFailed("update user", err)
		}
		if res.MatchedCount == 0 {
			return merr.WrapErrUserNotFound(id)
		}
		return nil
	}, retry.Attempts(updateAttempts), retry.Sleep(updateRetryInterval), retry.RetryErr(merr.IsRetryableErr))
}

// Close 断开 MongoDB 连接。
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
