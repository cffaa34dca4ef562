// Package feed ranks the curated timeline: recent posts scored by
// engagement, recency and the viewer's relation to the author.
package feed

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/store"
)

// Window is how far back the curated feed reaches.
const Window = 72 * time.Hour

// Scoring weights. Reposts count double and replies half toward
// engagement; recency decays linearly to zero over the window.
const (
	engagementWeight = 1.4
	recencyWeight    = 1.1
	followBonus      = 0.9
	selfBonus        = 0.5
)

// Curator builds curated timelines.
type Curator struct {
	store store.Store
	now   func() time.Time
}

func NewCurator(st store.Store) *Curator {
	return &Curator{store: st, now: time.Now}
}

// Score computes a post's rank for a viewer.
func Score(p *models.Post, age time.Duration, follows, self bool) float64 {
	engagement := float64(p.LikesCount) + 2*float64(p.RepostsCount) + 0.5*float64(p.RepliesCount)
	score := engagementWeight * math.Log(1+engagement)

	ageHours := age.Hours()
	score += recencyWeight * math.Max(0, 1-ageHours/Window.Hours())

	if follows {
		score += followBonus
	}
	if self {
		score += selfBonus
	}
	return score
}

// Timeline returns up to limit posts from the window, highest score
// first, ties broken by newest.
func (c *Curator) Timeline(ctx context.Context, viewer *models.User, limit int) ([]*models.Post, error) {
	now := c.now()
	// Candidate pool is bounded; scoring the newest 500 is plenty for a
	// 72h window on a single node.
	posts, err := c.store.RecentPosts(ctx, now.Add(-Window), 500)
	if err != nil {
		return nil, err
	}

	type scored struct {
		post  *models.Post
		score float64
	}
	ranked := make([]scored, 0, len(posts))
	followCache := make(map[string]bool)
	for _, p := range posts {
		var follows, self bool
		if viewer != nil {
			self = p.UserID == viewer.ID
			if !self {
				author, err := c.store.UserByID(ctx, p.UserID)
				if err == nil {
					handle := author.FullHandle()
					cached, ok := followCache[handle]
					if !ok {
						cached, err = c.store.IsFollowing(ctx, viewer.FullHandle(), handle)
						if err != nil {
							return nil, err
						}
						followCache[handle] = cached
					}
					follows = cached
				}
			}
		}
		ranked = append(ranked, scored{post: p, score: Score(p, now.Sub(p.CreatedAt), follows, self)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].post.CreatedAt.After(ranked[j].post.CreatedAt)
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*models.Post, len(ranked))
	for i, r := range ranked {
		out[i] = r.post
	}
	return out, nil
}
