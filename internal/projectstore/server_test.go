package projectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/projectapi"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(logger.LevelNone, nil, "test")
}

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type harness struct {
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := httptest.NewServer(NewServer(newTestDB(t), quietLogger()).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv}
}

// login registers email and returns a client authenticated as that user.
func (h *harness) login(t *testing.T, email string) (*projectapi.Client, string) {
	t.Helper()
	anon := projectapi.New(h.srv.URL, "", quietLogger())
	user, token, err := anon.Register(context.Background(), email)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return projectapi.New(h.srv.URL, token, quietLogger()), user.ID
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var apiErr *projectapi.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Status
}

func TestRegisterIsIdempotentPerEmail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u1, t1, err := db.RegisterUser(ctx, "Alice@Example.com ")
	require.NoError(t, err)
	u2, t2, err := db.RegisterUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
	assert.Equal(t, t1, t2)

	got, err := db.UserByToken(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	_, err = db.UserByToken(ctx, "bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, aliceID := h.login(t, "alice@example.com")
	bob, bobID := h.login(t, "bob@example.com")

	project, err := alice.CreateProject(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, project.Users, 1)
	assert.Equal(t, aliceID, project.Users[0].ID)

	_, err = alice.CreateProject(ctx, "demo")
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	// bob is not a member yet
	_, err = bob.GetProject(ctx, project.ID)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	users, err := alice.AllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, bobID, users[0].ID)

	project, err = alice.AddUsers(ctx, project.ID, []string{bobID})
	require.NoError(t, err)
	require.Len(t, project.Users, 2)
	assert.Equal(t, aliceID, project.Users[0].ID, "owner stays first")

	tree := filetree.Tree{"index.js": filetree.NewEntry("console.log(1)")}
	require.NoError(t, bob.UpdateFileTree(ctx, project.ID, tree))

	got, err := alice.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, got.FileTree.Equal(tree))

	listed, err := bob.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "demo", listed[0].Name)
	assert.Equal(t, aliceID, listed[0].Users[0].ID)

	// bob may not delete, nor remove the owner
	assert.Equal(t, http.StatusForbidden, statusOf(t, bob.DeleteProject(ctx, project.ID)))
	_, err = bob.RemoveUsers(ctx, project.ID, []string{aliceID})
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	project, err = alice.RemoveUsers(ctx, project.ID, []string{bobID})
	require.NoError(t, err)
	assert.Len(t, project.Users, 1)

	require.NoError(t, alice.DeleteProject(ctx, project.ID))
	_, err = alice.GetProject(ctx, project.ID)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	h := newHarness(t)
	anon := projectapi.New(h.srv.URL, "", quietLogger())

	_, err := anon.ListProjects(context.Background())
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	forged := projectapi.New(h.srv.URL, "not-a-token", quietLogger())
	_, err = forged.Profile(context.Background())
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestAddUsersSkipsMembersAndRejectsUnknown(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	owner, _, err := db.RegisterUser(ctx, "o@x")
	require.NoError(t, err)
	other, _, err := db.RegisterUser(ctx, "b@x")
	require.NoError(t, err)

	p, err := db.CreateProject(ctx, "p", owner)
	require.NoError(t, err)

	require.NoError(t, db.AddUsers(ctx, p.ID, []string{other.ID, owner.ID, other.ID}))
	p, err = db.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, p.Users, 2)
	assert.Equal(t, owner.ID, p.Users[0].ID)

	assert.ErrorIs(t, db.AddUsers(ctx, p.ID, []string{"ghost"}), ErrNotFound)
}

func TestUpdateFileTreeUnknownProject(t *testing.T) {
	db := newTestDB(t)
	err := db.UpdateFileTree(context.Background(), "missing", filetree.Tree{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
