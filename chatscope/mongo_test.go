package chatscope

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"os"
	"strings"
	"testing"
	"time"
)

const envMongoTestURI = "CHATSCOPE_TEST_MONGODB_URI"

func mongoTestURI() string {
	return os.Getenv(envMongoTestURI)
}

// newTestMongoStore connects to the database at CHATSCOPE_TEST_MONGODB_URI,
// using a database unique to the test, which is dropped on cleanup
func newTestMongoStore(t testing.TB) Database {
	t.Helper()
	uri := mongoTestURI()
	if uri == "" {
		t.Skipf("%s not set", envMongoTestURI)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := fmt.Sprintf(
		"chatscope_test_%d",
		time.Now().UnixNano(),
	)
	store, err := newMongoStore(
		ctx,
		uri,
		dbName,
		testLogHandler(t),
		DefaultDatabaseSlowThreshold,
	)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(
		func() {
			cleanupCtx, cleanupCancel := context.WithTimeout(
				context.Background(),
				10*time.Second,
			)
			defer cleanupCancel()
			_ = store.db.Drop(cleanupCtx)
			_ = store.Close(cleanupCtx)
		},
	)
	return store
}

func TestMongoStore_Migrate(t *testing.T) {
	t.Parallel()
	store := newTestMongoStore(t).(*mongoStore)
	ctx := context.Background()

	// indexes already exist, so this should be a no-op
	require.NoError(t, store.Migrate(ctx))

	specs, err := store.conversations.Indexes().ListSpecifications(ctx)
	require.NoError(t, err)
	var sawUnique bool
	for _, idx := range specs {
		if strings.Contains(idx.Name, fieldLatestConversationKey) {
			require.NotNil(t, idx.Unique)
			sawUnique = *idx.Unique
		}
	}
	assert.True(t, sawUnique, "expected a unique index on %s", fieldLatestConversationKey)
}

func TestConversationDoc_Shape(t *testing.T) {
	t.Parallel()
	createdAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := conversationDoc{
		ID:                    bson.NewObjectID(),
		LatestConversationKey: "600000000000000001",
		Messages: []messageDoc{
			newMessageDoc(ChatMessage{Role: roleSystem, Content: "system"}),
			newMessageDoc(ChatMessage{Role: roleUser, Content: "user"}),
		},
		CreatedAt: createdAt,
	}

	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	raw := bson.Raw(data)

	_, err = raw.LookupErr("_id")
	assert.NoError(t, err)
	_, err = raw.LookupErr("createdAt")
	assert.NoError(t, err)
	assert.Equal(t, "600000000000000001", raw.Lookup("latestConversationKey").StringValue())
	assert.Equal(t, roleSystem, raw.Lookup("messages", "0", "role").StringValue())
	assert.Equal(t, "text", raw.Lookup("messages", "0", "content", "0", "type").StringValue())
	assert.Equal(t, "system", raw.Lookup("messages", "0", "content", "0", "text").StringValue())
	assert.Equal(t, "user", raw.Lookup("messages", "1", "content", "0", "text").StringValue())

	conv := doc.conversation()
	assert.Equal(t, doc.LatestConversationKey, conv.Key)
	assert.Equal(t, createdAt, conv.CreatedAt)
	assert.Equal(
		t,
		[]ChatMessage{
			{Role: roleSystem, Content: "system"},
			{Role: roleUser, Content: "user"},
		},
		conv.Messages,
	)
}

func TestMessageDoc_Text(t *testing.T) {
	t.Parallel()
	m := messageDoc{
		Role: roleUser,
		Content: []messageContentDoc{
			{Type: contentTypeText, Text: "hello "},
			{Type: "image_url", Text: "ignored"},
			{Type: contentTypeText, Text: "world"},
		},
	}
	assert.Equal(t, "hello world", m.text())
}

func TestContextScopeDoc_Snippet(t *testing.T) {
	t.Parallel()
	id := bson.NewObjectID()
	addedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := contextScopeDoc{
		ID:      id,
		Context: "Be kind",
		AddedBy: Author{ID: testOwnerID, Username: "owner"},
		AddedAt: addedAt,
	}

	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	raw := bson.Raw(data)
	assert.Equal(t, "Be kind", raw.Lookup("context").StringValue())
	assert.Equal(t, testOwnerID, raw.Lookup("addedBy", "id").StringValue())
	assert.Equal(t, "owner", raw.Lookup("addedBy", "username").StringValue())
	_, err = raw.LookupErr("addedAt")
	assert.NoError(t, err)

	snippet := doc.snippet()
	assert.Equal(t, id.Hex(), snippet.ID)
	assert.Equal(t, "Be kind", snippet.Text)
	assert.Equal(t, addedAt, snippet.AddedAt)
}

func TestOpenDatabase_Mongo_CreatesIndexes(t *testing.T) {
	t.Parallel()
	uri := mongoTestURI()
	if uri == "" {
		t.Skipf("%s not set", envMongoTestURI)
	}
	ctx := context.Background()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = dbTypeMongo
	cfg.Database = uri
	cfg.DatabaseName = fmt.Sprintf("chatscope_open_%d", time.Now().UnixNano())

	db, err := openDatabase(ctx, cfg, testLogHandler(t))
	require.NoError(t, err)
	store := db.(*mongoStore)
	t.Cleanup(
		func() {
			_ = store.db.Drop(context.Background())
			_ = store.Close(context.Background())
		},
	)

	conv := newConversation("600000000000000001", "system", "user")
	require.NoError(t, store.CreateConversation(ctx, conv))
	err = store.CreateConversation(ctx, conv)
	require.ErrorIs(t, err, ErrDuplicateKey)
}
