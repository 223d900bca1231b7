package chatscope

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"log/slog"
	"time"
)

const (
	collectionContextScope  = "context_scope"
	collectionConversations = "conversations"

	fieldLatestConversationKey = "latestConversationKey"
	fieldMessages              = "messages"
	fieldAddedAt               = "addedAt"

	contentTypeText = "text"
)

// contextScopeDoc is the document shape of the context_scope collection
type contextScopeDoc struct {
	ID      bson.ObjectID `bson:"_id,omitempty"`
	Context string        `bson:"context"`
	AddedBy Author        `bson:"addedBy"`
	AddedAt time.Time     `bson:"addedAt"`
}

func (d contextScopeDoc) snippet() ContextSnippet {
	return ContextSnippet{
		ID:      d.ID.Hex(),
		Text:    d.Context,
		AddedBy: d.AddedBy,
		AddedAt: d.AddedAt.UTC(),
	}
}

type messageContentDoc struct {
	Type string `bson:"type"`
	Text string `bson:"text"`
}

type messageDoc struct {
	Role    string              `bson:"role"`
	Content []messageContentDoc `bson:"content"`
}

func newMessageDoc(msg ChatMessage) messageDoc {
	return messageDoc{
		Role:    msg.Role,
		Content: []messageContentDoc{{Type: contentTypeText, Text: msg.Content}},
	}
}

// text concatenates the message's text parts
func (m messageDoc) text() string {
	var s string
	for _, c := range m.Content {
		if c.Type == contentTypeText {
			s += c.Text
		}
	}
	return s
}

// conversationDoc is the document shape of the conversations collection
type conversationDoc struct {
	ID                    bson.ObjectID `bson:"_id,omitempty"`
	LatestConversationKey string        `bson:"latestConversationKey"`
	Messages              []messageDoc  `bson:"messages"`
	CreatedAt             time.Time     `bson:"createdAt"`
}

func (d conversationDoc) conversation() Conversation {
	conv := Conversation{
		Key:       d.LatestConversationKey,
		Messages:  make([]ChatMessage, 0, len(d.Messages)),
		CreatedAt: d.CreatedAt.UTC(),
	}
	for _, m := range d.Messages {
		conv.Messages = append(
			conv.Messages,
			ChatMessage{Role: m.Role, Content: m.text()},
		)
	}
	return conv
}

// mongoStore implements Database with a MongoDB database holding the
// context_scope and conversations collections
type mongoStore struct {
	client        *mongo.Client
	db            *mongo.Database
	contextScope  *mongo.Collection
	conversations *mongo.Collection
	logger        *slog.Logger
}

func newMongoStore(
	ctx context.Context,
	uri string,
	databaseName string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*mongoStore, error) {
	opts := options.Client().ApplyURI(uri).SetMonitor(
		newMongoCommandMonitor(handler, slowThreshold),
	)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongodb: %w", err)
	}

	store := newMongoStoreFromClient(client, databaseName, slog.New(handler))
	pingCtx, cancel := dbContext(ctx)
	defer cancel()
	if err = store.Ping(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging mongodb: %w", err)
	}
	return store, nil
}

func newMongoStoreFromClient(
	client *mongo.Client,
	databaseName string,
	logger *slog.Logger,
) *mongoStore {
	if logger == nil {
		logger = slog.Default()
	}
	db := client.Database(databaseName)
	return &mongoStore{
		client:        client,
		db:            db,
		contextScope:  db.Collection(collectionContextScope),
		conversations: db.Collection(collectionConversations),
		logger:        logger.With(loggerNameKey, "mongo_store"),
	}
}

// Migrate creates the unique index on latestConversationKey, and an
// index on addedAt for listing snippets
func (m *mongoStore) Migrate(ctx context.Context) error {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	convIndex, err := m.conversations.Indexes().CreateOne(
		ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: fieldLatestConversationKey, Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	)
	if err != nil {
		return fmt.Errorf("error creating conversation index: %w", err)
	}
	scopeIndexes, err := m.contextScope.Indexes().CreateMany(
		ctx,
		[]mongo.IndexModel{
			{Keys: bson.D{{Key: fieldAddedAt, Value: 1}}},
		},
	)
	if err != nil {
		return fmt.Errorf("error creating context scope index: %w", err)
	}
	m.logger.InfoContext(
		ctx,
		"created indexes",
		"conversations", convIndex,
		"context_scope", scopeIndexes,
	)
	return nil
}

func (m *mongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *mongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *mongoStore) ListContextSnippets(ctx context.Context) (
	[]ContextSnippet,
	error,
) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	cursor, err := m.contextScope.Find(
		ctx,
		bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []contextScopeDoc
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	snippets := make([]ContextSnippet, 0, len(docs))
	for _, d := range docs {
		snippets = append(snippets, d.snippet())
	}
	return snippets, nil
}

func (m *mongoStore) InsertContextSnippet(
	ctx context.Context,
	snippet ContextSnippet,
) (ContextSnippet, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	if snippet.AddedAt.IsZero() {
		snippet.AddedAt = time.Now().UTC()
	}
	doc := contextScopeDoc{
		ID:      bson.NewObjectID(),
		Context: snippet.Text,
		AddedBy: snippet.AddedBy,
		AddedAt: snippet.AddedAt,
	}
	if _, err := m.contextScope.InsertOne(ctx, doc); err != nil {
		return snippet, err
	}
	return doc.snippet(), nil
}

func (m *mongoStore) DeleteContextSnippet(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return &ValidationError{Err: ErrInvalidContextID, Value: id}
	}

	ctx, cancel := dbContext(ctx)
	defer cancel()

	rv, err := m.contextScope.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return err
	}
	if rv.DeletedCount == 0 {
		m.logger.DebugContext(ctx, "no context snippet deleted", "id", id)
	}
	return nil
}

func (m *mongoStore) FindConversation(ctx context.Context, key string) (
	Conversation,
	bool,
	error,
) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var doc conversationDoc
	err := m.conversations.FindOne(
		ctx,
		bson.D{{Key: fieldLatestConversationKey, Value: key}},
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}
	return doc.conversation(), true, nil
}

func (m *mongoStore) CreateConversation(
	ctx context.Context,
	conv Conversation,
) error {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	doc := conversationDoc{
		LatestConversationKey: conv.Key,
		Messages:              make([]messageDoc, 0, len(conv.Messages)),
		CreatedAt:             conv.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	for _, msg := range conv.Messages {
		doc.Messages = append(doc.Messages, newMessageDoc(msg))
	}
	_, err := m.conversations.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, conv.Key)
	}
	return err
}

func (m *mongoStore) AppendUserMessage(
	ctx context.Context,
	key string,
	msg ChatMessage,
) (Conversation, bool, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var doc conversationDoc
	err := m.conversations.FindOneAndUpdate(
		ctx,
		bson.D{{Key: fieldLatestConversationKey, Value: key}},
		bson.D{
			{
				Key:   "$push",
				Value: bson.D{{Key: fieldMessages, Value: newMessageDoc(msg)}},
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}
	return doc.conversation(), true, nil
}

func (m *mongoStore) AppendAndRekey(
	ctx context.Context,
	oldKey string,
	newKey string,
	msg ChatMessage,
) (bool, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	rv, err := m.conversations.UpdateOne(
		ctx,
		bson.D{{Key: fieldLatestConversationKey, Value: oldKey}},
		bson.D{
			{
				Key:   "$set",
				Value: bson.D{{Key: fieldLatestConversationKey, Value: newKey}},
			},
			{
				Key:   "$push",
				Value: bson.D{{Key: fieldMessages, Value: newMessageDoc(msg)}},
			},
		},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, fmt.Errorf("%w: %s", ErrDuplicateKey, newKey)
		}
		return false, err
	}
	return rv.MatchedCount > 0, nil
}
