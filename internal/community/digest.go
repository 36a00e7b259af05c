package community

import (
	"fmt"
	"strings"
)

// maxContextChars bounds the whole rendered block.
const maxContextChars = 12000

// PlaceholderNotice marks a context block built without live Reddit data.
const PlaceholderNotice = "NOTE: live data from Reddit was unavailable. The posts below are placeholder content, not real posts from this community."

// Post is a summarized hot post.
type Post struct {
	ID         string
	Title      string
	Author     string
	Score      int
	ReplyCount int
	Body       string
	Replies    []Reply
}

// Reply is one top-level comment of a post.
type Reply struct {
	Author string
	Body   string
	Score  int
}

// Digest is the set of posts chosen for one community, real or synthetic.
type Digest struct {
	Community string
	Live      bool
	Posts     []Post
}

func placeholderDigest(name string) *Digest {
	return &Digest{
		Community: name,
		Live:      false,
		Posts: []Post{
			{
				Title:      fmt.Sprintf("Placeholder post 1 for r/%s", name),
				Body:       "Reddit could not be reached (network problem or API limit), so this is placeholder text rather than real community content.",
				Author:     "placeholder",
				Score:      100,
				ReplyCount: 25,
			},
			{
				Title:      fmt.Sprintf("Placeholder post 2 for r/%s", name),
				Body:       "Another placeholder post. When Reddit is reachable, real hot posts appear here instead.",
				Author:     "placeholder",
				Score:      75,
				ReplyCount: 15,
			},
		},
	}
}

// Render serializes the digest into the text injected as system context.
func (d *Digest) Render() string {
	var b strings.Builder
	if d.Live {
		fmt.Fprintf(&b, "Hot posts from r/%s (live data fetched from Reddit):\n\n", d.Community)
	} else {
		fmt.Fprintf(&b, "Hot posts from r/%s\n%s\n\n", d.Community, PlaceholderNotice)
	}

	for i, p := range d.Posts {
		fmt.Fprintf(&b, "Post %d:\n", i+1)
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
		if p.Body != "" {
			fmt.Fprintf(&b, "Content: %s\n", p.Body)
		}
		fmt.Fprintf(&b, "Score: %d, Comments: %d, Author: %s\n", p.Score, p.ReplyCount, p.Author)
		if len(p.Replies) > 0 {
			b.WriteString("Top comments:\n")
			for _, r := range p.Replies {
				fmt.Fprintf(&b, "  - %s (score %d): %s\n", r.Author, r.Score, r.Body)
			}
		}
		b.WriteString("\n")
	}
	return truncate(b.String(), maxContextChars)
}
