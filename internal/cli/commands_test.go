package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/catalog"
	"github.com/roach88/animeboard/internal/config"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/objectstore"
)

// fakeCatalog serves fixed pages.
type fakeCatalog struct {
	pages   map[int]model.CatalogPage
	details map[int]model.AnimeDetail
	season  model.CatalogPage
}

func (f *fakeCatalog) TopPage(_ context.Context, page int) (model.CatalogPage, error) {
	p, ok := f.pages[page]
	if !ok {
		return model.CatalogPage{}, &catalog.StatusError{Code: 404, URL: fmt.Sprintf("/top/anime?page=%d", page)}
	}
	return p, nil
}

func (f *fakeCatalog) Detail(_ context.Context, id int) (model.AnimeDetail, error) {
	d, ok := f.details[id]
	if !ok {
		return model.AnimeDetail{}, model.NotFoundf("anime %d", id)
	}
	return d, nil
}

func (f *fakeCatalog) CurrentSeason(context.Context) (model.CatalogPage, error) {
	return f.season, nil
}

func newFakeCatalog() *fakeCatalog {
	frieren := model.AnimeSummary{ID: 52991, Title: "Sousou no Frieren", Rating: ptr(9.31), Episodes: ptr(28)}
	fma := model.AnimeSummary{ID: 5114, Title: "Fullmetal Alchemist: Brotherhood", Rating: ptr(9.1), Episodes: ptr(64)}
	steins := model.AnimeSummary{ID: 9253, Title: "Steins;Gate", Rating: ptr(9.07), Episodes: ptr(24)}
	return &fakeCatalog{
		pages: map[int]model.CatalogPage{
			1: {Number: 1, Items: []model.AnimeSummary{frieren, fma}, HasNextPage: true},
			2: {Number: 2, Items: []model.AnimeSummary{steins}},
		},
		details: map[int]model.AnimeDetail{
			52991: {AnimeSummary: frieren, Studios: []string{"Madhouse"}},
		},
		season: model.CatalogPage{Number: 1, Items: []model.AnimeSummary{frieren}},
	}
}

// testDialer shares one memory bus across every command of a test.
type testDialer struct {
	bus       *bus.Memory
	catalog   catalog.Fetcher
	noPublish bool
}

func (d *testDialer) Transport(context.Context, *config.Config) (*Transport, error) {
	tr := &Transport{Subscriber: d.bus, Close: noop}
	if !d.noPublish {
		tr.Publisher = d.bus
	}
	return tr, nil
}

func (d *testDialer) Catalog(*config.Config) (catalog.Fetcher, func() error, error) {
	return d.catalog, noop, nil
}

func (d *testDialer) Storage(_ context.Context, cfg *config.Config) (objectstore.Backend, func() error, error) {
	b, err := objectstore.NewLocal(cfg.Storage.LocalDir, cfg.Storage.LocalBaseURL)
	return b, noop, err
}

type env struct {
	t   *testing.T
	cfg config.Config
	d   *testDialer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	m := bus.NewMemory(0)
	t.Cleanup(func() { m.Close() })
	return &env{
		t: t,
		cfg: config.Config{
			DB:      config.DBConfig{Path: filepath.Join(dir, "test.db")},
			Bus:     config.BusConfig{Kind: "memory"},
			Catalog: config.CatalogConfig{FetchTimeout: 2 * time.Second},
			Storage: config.StorageConfig{Kind: "local", LocalDir: filepath.Join(dir, "uploads"), LocalBaseURL: "http://media.test"},
			Sync: config.SyncConfig{
				WriteTimeout:    2 * time.Second,
				BackoffBase:     10 * time.Millisecond,
				BackoffMax:      50 * time.Millisecond,
				BackoffAttempts: 2,
			},
			Log: config.LogConfig{Level: "error"},
		},
		d: &testDialer{bus: m, catalog: newFakeCatalog()},
	}
}

// run executes args as user and returns stdout.
func (e *env) run(user string, args ...string) (string, error) {
	e.t.Helper()
	cfg := e.cfg
	cfg.User = config.UserConfig{ID: user, Email: user + "@example.com"}
	cmd, _ := newRoot(&RootOptions{Config: &cfg, Dial: e.d})
	var stdout, stderr bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e *env) mustRun(user string, args ...string) string {
	e.t.Helper()
	out, err := e.run(user, args...)
	require.NoError(e.t, err, "%v", args)
	return out
}

// data decodes the data member of a JSON envelope into v.
func data(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func createPost(e *env, user, title string, flags ...string) string {
	e.t.Helper()
	args := append([]string{"--format", "json", "posts", "create", "--title", title}, flags...)
	var msg Message
	data(e.t, e.mustRun(user, args...), &msg)
	require.NotEmpty(e.t, msg.ID)
	return msg.ID
}

func TestPosts_CreateLikeUpvoteList(t *testing.T) {
	e := newEnv(t)
	id := createPost(e, "alice", "Frieren ep 12 thoughts", "--content", "That ending.", "--tag", "frieren")

	assert.Equal(t, fmt.Sprintf("Liked %s (1 likes)\n", id), e.mustRun("bob", "posts", "like", id))
	assert.Equal(t, fmt.Sprintf("Upvoted %s (1 upvotes)\n", id), e.mustRun("alice", "posts", "upvote", id))
	assert.Equal(t, fmt.Sprintf("Bookmarked %s\n", id), e.mustRun("bob", "posts", "bookmark", id))

	var list struct {
		Posts []struct {
			ID         string   `json:"id"`
			Title      string   `json:"title"`
			Tags       []string `json:"tags"`
			Upvotes    int      `json:"upvotes"`
			LikeCount  int      `json:"like_count"`
			Bookmarked bool     `json:"bookmarked"`
		} `json:"posts"`
	}
	data(t, e.mustRun("bob", "--format", "json", "posts", "list"), &list)
	require.Len(t, list.Posts, 1)
	got := list.Posts[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, []string{"frieren"}, got.Tags)
	assert.Equal(t, 1, got.Upvotes)
	assert.Equal(t, 1, got.LikeCount)
	assert.True(t, got.Bookmarked)

	assert.Contains(t, e.mustRun("bob", "posts", "list"), "* Frieren ep 12 thoughts")
	assert.Equal(t, fmt.Sprintf("Unliked %s (0 likes)\n", id), e.mustRun("bob", "posts", "like", id))
}

func TestPosts_EditKeepsUnchangedFields(t *testing.T) {
	e := newEnv(t)
	id := createPost(e, "alice", "Draft", "--content", "body text")

	out := e.mustRun("alice", "posts", "edit", id, "--title", "Final")
	assert.True(t, strings.HasPrefix(out, "Final\n"), out)
	assert.Contains(t, out, "body text")
}

func TestPosts_DeleteByOtherAuthorRejected(t *testing.T) {
	e := newEnv(t)
	id := createPost(e, "alice", "Mine")

	_, err := e.run("bob", "posts", "delete", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, CodeRejected, ErrorCode(err))

	assert.Equal(t, fmt.Sprintf("Deleted post %s\n", id), e.mustRun("alice", "posts", "delete", id))
	assert.Equal(t, "No posts.\n", e.mustRun("alice", "posts", "list"))
}

func TestPosts_ShowMissing(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("alice", "posts", "show", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestPosts_SearchByTitle(t *testing.T) {
	e := newEnv(t)
	frieren := createPost(e, "alice", "Frieren ep 12 thoughts")
	createPost(e, "bob", "Best OP this season?")
	odds := createPost(e, "bob", "100% sync rate")

	var list struct {
		Posts []struct {
			ID string `json:"id"`
		} `json:"posts"`
	}
	data(t, e.mustRun("alice", "--format", "json", "posts", "list", "--search", "FRIEREN"), &list)
	require.Len(t, list.Posts, 1)
	assert.Equal(t, frieren, list.Posts[0].ID)

	data(t, e.mustRun("alice", "--format", "json", "posts", "list", "--search", "%"), &list)
	require.Len(t, list.Posts, 1)
	assert.Equal(t, odds, list.Posts[0].ID)

	assert.Equal(t, "No posts.\n", e.mustRun("alice", "posts", "list", "--search", "gundam"))
}

func TestPosts_InvalidSort(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("alice", "posts", "list", "--sort", "title")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestComments_AddListDelete(t *testing.T) {
	e := newEnv(t)
	id := createPost(e, "alice", "Frieren ep 12 thoughts")

	var added Message
	data(t, e.mustRun("bob", "--format", "json", "comments", "add", id, "agreed"), &added)

	out := e.mustRun("alice", "comments", "list", id)
	assert.Contains(t, out, "1 comment(s)")
	assert.Contains(t, out, "bob: agreed")

	_, err := e.run("alice", "comments", "delete", id, added.ID)
	require.Error(t, err)
	assert.Equal(t, CodeRejected, ErrorCode(err))

	assert.Equal(t, fmt.Sprintf("Deleted comment %s\n", added.ID), e.mustRun("bob", "comments", "delete", id, added.ID))
	assert.Equal(t, "No comments.\n", e.mustRun("alice", "comments", "list", id))
}

func TestAnime_BrowseTwoPages(t *testing.T) {
	e := newEnv(t)
	e.mustRun("alice", "anime", "mark", "9253", "watched")

	var view struct {
		Page    int  `json:"page"`
		HasMore bool `json:"has_more"`
		Entries []struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		} `json:"entries"`
	}
	data(t, e.mustRun("alice", "--format", "json", "anime", "browse", "--pages", "2"), &view)
	assert.Equal(t, 2, view.Page)
	assert.False(t, view.HasMore)
	require.Len(t, view.Entries, 3)
	assert.Equal(t, 9253, view.Entries[2].ID)
	assert.Equal(t, "watched", view.Entries[2].Status)
	assert.Empty(t, view.Entries[0].Status)
}

func TestAnime_MarkTogglesAndSwitches(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, "Marked 52991 favorite\n", e.mustRun("alice", "anime", "mark", "52991", "favorite"))
	assert.Equal(t, "Marked 52991 watched\n", e.mustRun("alice", "anime", "mark", "52991", "watched"))
	assert.Equal(t, "Cleared status on 52991\n", e.mustRun("alice", "anime", "mark", "52991", "watched"))

	_, err := e.run("alice", "anime", "mark", "52991", "dropped")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAnime_ShowAndSeason(t *testing.T) {
	e := newEnv(t)
	e.mustRun("alice", "anime", "mark", "52991", "favorite")

	out := e.mustRun("alice", "anime", "show", "52991")
	assert.Contains(t, out, "Sousou no Frieren (#52991)")
	assert.Contains(t, out, "studios: Madhouse")
	assert.Contains(t, out, "you: favorite")

	season := e.mustRun("alice", "anime", "season")
	assert.Contains(t, season, "Sousou no Frieren")
	assert.Contains(t, season, "favorite")

	_, err := e.run("alice", "anime", "show", "1")
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestProfile_ShowCreatesDefault(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun("alice", "profile", "show")
	assert.True(t, strings.HasPrefix(out, "alice (alice)\nNew anime enthusiast\n"), out)

	_, err := e.run("alice", "profile", "show", "ghost")
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestProfile_Avatar(t *testing.T) {
	e := newEnv(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	path := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(path, png, 0o644))

	var p model.Profile
	data(t, e.mustRun("alice", "--format", "json", "profile", "avatar", path), &p)
	assert.True(t, strings.HasPrefix(p.AvatarURL, "http://media.test/alice/"), p.AvatarURL)
	assert.True(t, strings.HasSuffix(p.AvatarURL, ".png"), p.AvatarURL)

	txt := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("not an image"), 0o644))
	_, err := e.run("alice", "profile", "avatar", txt)
	require.Error(t, err)
	assert.Equal(t, CodeRejected, ErrorCode(err))
}

func TestNotifyAndChanges(t *testing.T) {
	e := newEnv(t)
	assert.True(t, strings.HasPrefix(e.mustRun("alice", "notify", "Season", "2", "announced"), "Notified "))

	var list ChangeList
	data(t, e.mustRun("alice", "--format", "json", "changes", "--topic", "notifications"), &list)
	require.Len(t, list.Changes, 1)
	assert.Equal(t, bus.TableNotifications, list.Changes[0].Table)
	assert.Equal(t, bus.OpInsert, list.Changes[0].Op)
	assert.Equal(t, int64(1), list.Last)

	assert.Equal(t, "No changes after 1.\n", e.mustRun("alice", "changes", "--after", "1"))

	_, err := e.run("alice", "changes", "--topic", "everything")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWatch_PrintsNotifications(t *testing.T) {
	e := newEnv(t)

	var (
		wg  sync.WaitGroup
		out string
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err = e.run("bob", "watch", "--for", "1s", "--interval", "20ms", "--history")
	}()

	require.Eventually(t, func() bool {
		return e.d.bus.Subscribers(bus.TopicNotifications) > 0
	}, 2*time.Second, 10*time.Millisecond)
	e.mustRun("alice", "notify", "ping")

	wg.Wait()
	require.NoError(t, err)
	assert.Contains(t, out, "ping")
}

func TestSeed_LoadsFixture(t *testing.T) {
	e := newEnv(t)
	var res SeedResult
	data(t, e.mustRun("admin", "--format", "json", "seed", filepath.Join("testdata", "seed.yaml")), &res)
	assert.Equal(t, SeedResult{Profiles: 1, Posts: 2, Comments: 1, Notifications: 1, Interactions: 1, Bookmarks: 1, Skipped: 1}, res)

	list := e.mustRun("bob", "posts", "list")
	assert.Contains(t, list, "* Frieren ep 12 thoughts")
	assert.Contains(t, list, "Best OP this season?")

	out := e.mustRun("alice", "profile", "show")
	assert.Contains(t, out, "Watching everything twice")
	assert.Contains(t, e.mustRun("alice", "anime", "show", "52991"), "you: favorite")
}

func TestLoadFixture_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("posts:\n  - title: x\n    author: bob\n"), 0o644))
	_, err := LoadFixture(path)
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	e := newEnv(t)
	createPost(e, "alice", "One")
	createPost(e, "alice", "Two")

	stream, err := e.d.bus.Subscribe(context.Background(), bus.TopicPosts)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "Replayed 1 change(s) after seq 1; last seq 2\n", e.mustRun("alice", "replay", "--after", "1"))
	select {
	case ev := <-stream.Events():
		assert.Equal(t, bus.OpInsert, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("replayed event not delivered")
	}

	e.d.noPublish = true
	_, err = e.run("alice", "replay")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNoUser(t *testing.T) {
	e := newEnv(t)
	_, err := e.run("", "posts", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
