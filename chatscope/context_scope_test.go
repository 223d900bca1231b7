package chatscope

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

// fakeContextStore is an in-memory ContextStore
type fakeContextStore struct {
	mu       sync.Mutex
	snippets []ContextSnippet
	nextID   int

	listErr   error
	insertErr error
	deleteErr error
}

func (f *fakeContextStore) ListContextSnippets(context.Context) ([]ContextSnippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	rv := make([]ContextSnippet, len(f.snippets))
	copy(rv, f.snippets)
	return rv, nil
}

func (f *fakeContextStore) InsertContextSnippet(
	_ context.Context,
	snippet ContextSnippet,
) (ContextSnippet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return snippet, f.insertErr
	}
	f.nextID++
	snippet.ID = fmt.Sprintf("%024x", f.nextID)
	f.snippets = append(f.snippets, snippet)
	return snippet, nil
}

func (f *fakeContextStore) DeleteContextSnippet(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if len(id) != 24 {
		return &ValidationError{Err: ErrInvalidContextID, Value: id}
	}
	for i, s := range f.snippets {
		if s.ID == id {
			f.snippets = append(f.snippets[:i], f.snippets[i+1:]...)
			break
		}
	}
	return nil
}

func TestContextScope_Add(t *testing.T) {
	t.Parallel()
	store := &fakeContextStore{}
	scope := NewContextScope(store, nil)
	ctx := context.Background()

	author := Author{ID: testOwnerID, Username: "owner"}
	snippet, err := scope.Add(ctx, "  Be kind to campers  ", author)
	require.NoError(t, err)
	assert.NotEmpty(t, snippet.ID)
	assert.Equal(t, "Be kind to campers", snippet.Text)
	assert.Equal(t, author, snippet.AddedBy)
	assert.False(t, snippet.AddedAt.IsZero())

	snippets, err := scope.List(ctx)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, snippet, snippets[0])
}

func TestContextScope_Add_Invalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected error
	}{
		{name: "empty", input: "", expected: ErrContextEmpty},
		{name: "whitespace", input: " \n\t ", expected: ErrContextEmpty},
		{name: "period", input: "Meetings are on fridays.", expected: ErrContextContainsPeriod},
		{name: "decimal", input: "Dues are 2.50", expected: ErrContextContainsPeriod},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				store := &fakeContextStore{}
				scope := NewContextScope(store, nil)
				_, err := scope.Add(context.Background(), tc.input, Author{})
				require.ErrorIs(t, err, tc.expected)

				var validationErr *ValidationError
				assert.ErrorAs(t, err, &validationErr)
				assert.Empty(t, store.snippets, "nothing should be stored")
			},
		)
	}
}

func TestContextScope_Add_StoreError(t *testing.T) {
	t.Parallel()
	store := &fakeContextStore{insertErr: errors.New("disk full")}
	scope := NewContextScope(store, nil)
	_, err := scope.Add(context.Background(), "Be kind", Author{})
	require.Error(t, err)

	var validationErr *ValidationError
	assert.False(t, errors.As(err, &validationErr))
}

func TestContextScope_List_Empty(t *testing.T) {
	t.Parallel()
	scope := NewContextScope(&fakeContextStore{}, nil)
	snippets, err := scope.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snippets)
	assert.Empty(t, snippets)
}

func TestContextScope_Remove(t *testing.T) {
	t.Parallel()
	store := &fakeContextStore{}
	scope := NewContextScope(store, nil)
	ctx := context.Background()

	first, err := scope.Add(ctx, "first", Author{})
	require.NoError(t, err)
	second, err := scope.Add(ctx, "second", Author{})
	require.NoError(t, err)

	require.NoError(t, scope.Remove(ctx, first.ID))
	snippets, err := scope.List(ctx)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, second.ID, snippets[0].ID)

	// removing an unknown (but well-formed) ID isn't an error
	require.NoError(t, scope.Remove(ctx, first.ID))

	err = scope.Remove(ctx, "   ")
	require.ErrorIs(t, err, ErrInvalidContextID)

	err = scope.Remove(ctx, "not-an-id")
	require.ErrorIs(t, err, ErrInvalidContextID)
}

func TestContextScope_Assemble(t *testing.T) {
	t.Parallel()
	store := &fakeContextStore{}
	scope := NewContextScope(store, nil)
	ctx := context.Background()

	assert.Equal(t, "", scope.Assemble(ctx))

	for _, text := range []string{"Be kind", "Meetings are on fridays", "Bring snacks"} {
		_, err := scope.Add(ctx, text, Author{})
		require.NoError(t, err)
	}
	assert.Equal(
		t,
		"Be kind. Meetings are on fridays. Bring snacks.",
		scope.Assemble(ctx),
	)

	store.listErr = errors.New("connection refused")
	assert.Equal(t, "", scope.Assemble(ctx))
}

func TestJoinContextSnippets(t *testing.T) {
	t.Parallel()
	snippets := []ContextSnippet{
		{Text: " padded "},
		{Text: "already terminated."},
		{Text: "   "},
		{Text: "last"},
	}
	assert.Equal(t, "padded. already terminated. last.", JoinContextSnippets(snippets))
	assert.Equal(t, "", JoinContextSnippets(nil))
}
