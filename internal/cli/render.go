package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/engine"
	"github.com/roach88/animeboard/internal/model"
)

const timeLayout = "2006-01-02 15:04"

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// PostRow is one post as listed.
type PostRow struct {
	model.Post
	LikeCount  int  `json:"like_count"`
	Bookmarked bool `json:"bookmarked"`
}

// PostList renders the feed.
type PostList struct {
	Posts []PostRow `json:"posts"`
}

func (l PostList) RenderText(w io.Writer) error {
	if len(l.Posts) == 0 {
		_, err := fmt.Fprintln(w, "No posts.")
		return err
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tTITLE\tLIKES\tUPVOTES\tAUTHOR\tCREATED\t")
	for _, p := range l.Posts {
		title := p.Title
		if p.Bookmarked {
			title = "* " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t\n", p.ID, title, p.LikeCount, p.Upvotes, p.UserID, stamp(p.CreatedAt))
	}
	return tw.Flush()
}

// PostView renders one post with its comments.
type PostView struct {
	Post     PostRow         `json:"post"`
	Comments []model.Comment `json:"comments"`
}

func (v PostView) RenderText(w io.Writer) error {
	p := v.Post
	fmt.Fprintf(w, "%s\n", p.Title)
	fmt.Fprintf(w, "by %s on %s  likes %d  upvotes %d", p.UserID, stamp(p.CreatedAt), p.LikeCount, p.Upvotes)
	if p.Bookmarked {
		fmt.Fprint(w, "  bookmarked")
	}
	fmt.Fprintln(w)
	if len(p.Tags) > 0 {
		fmt.Fprintf(w, "tags: %s\n", strings.Join(p.Tags, ", "))
	}
	if p.Content != "" {
		fmt.Fprintf(w, "\n%s\n", p.Content)
	}
	if v.Comments == nil {
		return nil
	}
	fmt.Fprintln(w)
	return CommentList{PostID: p.ID, Comments: v.Comments}.RenderText(w)
}

// CommentList renders a post's comments oldest first.
type CommentList struct {
	PostID   string          `json:"post_id"`
	Comments []model.Comment `json:"comments"`
}

func (l CommentList) RenderText(w io.Writer) error {
	if len(l.Comments) == 0 {
		_, err := fmt.Fprintln(w, "No comments.")
		return err
	}
	fmt.Fprintf(w, "%d comment(s)\n", len(l.Comments))
	for _, c := range l.Comments {
		fmt.Fprintf(w, "[%s] %s %s: %s\n", c.ID, stamp(c.CreatedAt), c.UserID, c.Content)
	}
	return nil
}

// LikeResult reports a toggled like.
type LikeResult struct {
	PostID string `json:"post_id"`
	Liked  bool   `json:"liked"`
	Likes  int    `json:"likes"`
}

func (r LikeResult) RenderText(w io.Writer) error {
	verb := "Unliked"
	if r.Liked {
		verb = "Liked"
	}
	_, err := fmt.Fprintf(w, "%s %s (%d likes)\n", verb, r.PostID, r.Likes)
	return err
}

// Message is a one-line result.
type Message struct {
	Text string `json:"message"`
	ID   string `json:"id,omitempty"`
}

func (m Message) RenderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, m.Text)
	return err
}

// CatalogView renders catalog entries with the user's status.
type CatalogView struct {
	Page    int                   `json:"page"`
	HasMore bool                  `json:"has_more"`
	Entries []engine.CatalogEntry `json:"entries"`
}

func (v CatalogView) RenderText(w io.Writer) error {
	tw := table(w)
	fmt.Fprintln(tw, "ID\tTITLE\tRATING\tEPISODES\tSTATUS\t")
	for _, e := range v.Entries {
		status := string(e.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t\n", e.ID, e.Title, rating(e.Rating), episodes(e.Episodes), status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if v.HasMore {
		fmt.Fprintf(w, "(more after page %d)\n", v.Page)
	}
	return nil
}

func rating(r *float64) string {
	if r == nil {
		return "-"
	}
	return strconv.FormatFloat(*r, 'f', 2, 64)
}

func episodes(n *int) string {
	if n == nil {
		return "?"
	}
	return strconv.Itoa(*n)
}

// AnimeView renders one catalog record.
type AnimeView struct {
	model.AnimeDetail
	UserStatus model.Status `json:"user_status,omitempty"`
}

func (v AnimeView) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s (#%d)\n", v.Title, v.ID)
	fmt.Fprintf(w, "rating %s  episodes %s", rating(v.Rating), episodes(v.Episodes))
	if v.Status != "" {
		fmt.Fprintf(w, "  %s", v.Status)
	}
	fmt.Fprintln(w)
	if len(v.Genres) > 0 {
		fmt.Fprintf(w, "genres: %s\n", strings.Join(v.Genres, ", "))
	}
	if len(v.Studios) > 0 {
		fmt.Fprintf(w, "studios: %s\n", strings.Join(v.Studios, ", "))
	}
	if v.UserStatus != "" {
		fmt.Fprintf(w, "you: %s\n", v.UserStatus)
	}
	if v.Synopsis != "" {
		fmt.Fprintf(w, "\n%s\n", v.Synopsis)
	}
	return nil
}

// ProfileView renders a profile.
type ProfileView struct {
	model.Profile
}

func (v ProfileView) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s (%s)\n", v.Username, v.ID)
	if v.Bio != "" {
		fmt.Fprintln(w, v.Bio)
	}
	if v.AvatarURL != "" {
		fmt.Fprintf(w, "avatar: %s\n", v.AvatarURL)
	}
	_, err := fmt.Fprintf(w, "joined %s\n", stamp(v.CreatedAt))
	return err
}

// NotificationList renders notifications oldest first.
type NotificationList struct {
	Notifications []model.Notification `json:"notifications"`
}

func (l NotificationList) RenderText(w io.Writer) error {
	if len(l.Notifications) == 0 {
		_, err := fmt.Fprintln(w, "No notifications.")
		return err
	}
	for _, n := range l.Notifications {
		fmt.Fprintf(w, "%s  %s\n", stamp(n.CreatedAt), n.Message)
	}
	return nil
}

// ChangeRow is one entry of the store's change log.
type ChangeRow struct {
	Topic      string    `json:"topic"`
	Table      string    `json:"table"`
	Op         bus.Op    `json:"op"`
	EventID    string    `json:"event_id"`
	CommitTime time.Time `json:"commit_time"`
}

// ChangeList renders the change log and the cursor to resume from.
type ChangeList struct {
	After   int64       `json:"after"`
	Last    int64       `json:"last"`
	Changes []ChangeRow `json:"changes"`
}

func (l ChangeList) RenderText(w io.Writer) error {
	if len(l.Changes) == 0 {
		_, err := fmt.Fprintf(w, "No changes after %d.\n", l.After)
		return err
	}
	tw := table(w)
	fmt.Fprintln(tw, "COMMITTED\tTOPIC\tTABLE\tOP\tEVENT\t")
	for _, c := range l.Changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", stamp(c.CommitTime), c.Topic, c.Table, c.Op, shortID(c.EventID))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "last seq %d\n", l.Last)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
