package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/animeboard/internal/engine"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/store"
)

// Fixture is the YAML document the seed command loads. Rows without an
// id get a fresh UUIDv7; rows without created_at get the current time.
type Fixture struct {
	Profiles      []model.Profile      `yaml:"profiles"`
	Posts         []model.Post         `yaml:"posts"`
	Comments      []model.Comment      `yaml:"comments"`
	Notifications []model.Notification `yaml:"notifications"`
	Interactions  []model.Interaction  `yaml:"interactions"`
	Bookmarks     []model.Bookmark     `yaml:"bookmarks"`
}

// SeedResult counts the rows written.
type SeedResult struct {
	Profiles      int `json:"profiles"`
	Posts         int `json:"posts"`
	Comments      int `json:"comments"`
	Notifications int `json:"notifications"`
	Interactions  int `json:"interactions"`
	Bookmarks     int `json:"bookmarks"`
	Skipped       int `json:"skipped"`
}

func (r SeedResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Seeded %d profiles, %d posts, %d comments, %d notifications, %d interactions, %d bookmarks (%d skipped)\n",
		r.Profiles, r.Posts, r.Comments, r.Notifications, r.Interactions, r.Bookmarks, r.Skipped)
	return err
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a YAML fixture into the store",
		Long: `Load profiles, posts, comments, notifications, interactions and
bookmarks from a YAML fixture. Writes are idempotent: re-seeding the same
fixture leaves the store unchanged. Rows that conflict with existing data
are skipped and counted.

Example:
  animeboard seed --db ./animeboard.db testdata/demo.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := LoadFixture(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load fixture", err)
			}

			a, err := openApp(cmd, rootOpts, needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := Seed(cmd.Context(), a.store, fx, engine.UUIDv7Generator{})
			if err != nil {
				return WrapExitError(ExitFailure, "seed failed", err)
			}
			return formatter(rootOpts, cmd).Success(res)
		},
	}
}

// LoadFixture parses a fixture file. Unknown keys are rejected.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fx Fixture
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fx, nil
}

// Seed writes fx to st in dependency order. Conflicting and invalid rows
// are skipped; any other error aborts.
func Seed(ctx context.Context, st *store.Store, fx *Fixture, ids engine.IDGenerator) (SeedResult, error) {
	var res SeedResult
	skip := func(kind, id string, err error) error {
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrInvalid) || errors.Is(err, model.ErrNotFound) {
			slog.Warn("seed row skipped", "kind", kind, "id", id, "error", err)
			res.Skipped++
			return nil
		}
		return fmt.Errorf("seed %s %s: %w", kind, id, err)
	}
	id := func(cur string) string {
		if cur == "" {
			return ids.Generate()
		}
		return cur
	}

	for _, p := range fx.Profiles {
		if p.ID == "" {
			// A profile id is the user's id; it cannot be generated.
			_ = skip("profile", "", model.Invalidf("profile id required"))
			continue
		}
		if _, err := st.CreateProfile(ctx, p); err != nil {
			if err := skip("profile", p.ID, err); err != nil {
				return res, err
			}
			continue
		}
		res.Profiles++
	}
	for _, p := range fx.Posts {
		p.ID = id(p.ID)
		if _, err := st.CreatePost(ctx, p); err != nil {
			if err := skip("post", p.ID, err); err != nil {
				return res, err
			}
			continue
		}
		res.Posts++
	}
	for _, c := range fx.Comments {
		c.ID = id(c.ID)
		if _, err := st.AddComment(ctx, c); err != nil {
			if err := skip("comment", c.ID, err); err != nil {
				return res, err
			}
			continue
		}
		res.Comments++
	}
	for _, n := range fx.Notifications {
		n.ID = id(n.ID)
		if _, err := st.AddNotification(ctx, n); err != nil {
			if err := skip("notification", n.ID, err); err != nil {
				return res, err
			}
			continue
		}
		res.Notifications++
	}
	for _, in := range fx.Interactions {
		if err := st.PutInteraction(ctx, in); err != nil {
			if err := skip("interaction", fmt.Sprintf("%s/%d", in.UserID, in.AnimeID), err); err != nil {
				return res, err
			}
			continue
		}
		res.Interactions++
	}
	for _, b := range fx.Bookmarks {
		if err := st.AddBookmark(ctx, b.UserID, b.PostID); err != nil {
			if err := skip("bookmark", b.UserID+"/"+b.PostID, err); err != nil {
				return res, err
			}
			continue
		}
		res.Bookmarks++
	}
	return res, nil
}
