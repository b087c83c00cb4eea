// SPDX-License-Identifier: Apache-2.0

// Package directory resolves roster tokens to chat platform user ids and
// checks guild membership through the Discord REST API.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/adiadia/op-distributor/internal/domain"
)

const (
	defaultAPIURL   = "https://discord.com/api/v10"
	defaultCacheTTL = 10 * time.Minute
	searchLimit     = 100
)

var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

type Options struct {
	APIURL     string
	BotToken   string
	GuildID    string
	CacheTTL   time.Duration
	Cache      Cache
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolver is safe for concurrent use. Its cache belongs to the instance.
type Resolver struct {
	api      *apiClient
	guildID  string
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

func New(opts Options) (*Resolver, error) {
	if strings.TrimSpace(opts.BotToken) == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if strings.TrimSpace(opts.GuildID) == "" {
		return nil, fmt.Errorf("discord guild id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if baseURL == "" {
		baseURL = defaultAPIURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &Resolver{
		api:      newAPIClient(baseURL, strings.TrimSpace(opts.BotToken), httpClient, logger),
		guildID:  strings.TrimSpace(opts.GuildID),
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger,
	}, nil
}

// Resolve maps a roster token to a recipient. Tokens that match nobody
// yield an error wrapping domain.ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context, token string) (domain.Recipient, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Recipient{}, fmt.Errorf("%w: empty token", domain.ErrUnresolved)
	}

	key := cacheKey(r.guildID, token)
	if rec, ok := r.cache.Get(ctx, key); ok {
		return rec, nil
	}

	rec, err := r.resolve(ctx, token)
	if err != nil {
		return domain.Recipient{}, err
	}

	// Non-members can join at any time, so only memberships are cached.
	if rec.IsMember {
		r.cache.Set(ctx, key, rec, r.cacheTTL)
	}
	return rec, nil
}

func (r *Resolver) resolve(ctx context.Context, token string) (domain.Recipient, error) {
	if id, ok := parseUserID(token); ok {
		var m guildMember
		found, err := r.api.get(ctx, "/guilds/"+r.guildID+"/members/"+id, nil, &m)
		if err != nil {
			return domain.Recipient{}, err
		}
		if found {
			return domain.Recipient{ID: id, Name: m.displayName(), IsMember: true}, nil
		}

		var u user
		found, err = r.api.get(ctx, "/users/"+id, nil, &u)
		if err != nil {
			return domain.Recipient{}, err
		}
		if found {
			return domain.Recipient{ID: id, Name: u.Username, IsMember: false}, nil
		}
		// A numeric token can still be somebody's display name.
	}

	name := strings.TrimSpace(strings.TrimPrefix(token, "@"))
	if name == "" {
		return domain.Recipient{}, fmt.Errorf("%w: %q", domain.ErrUnresolved, token)
	}

	members, err := r.searchMembers(ctx, name)
	if err != nil {
		return domain.Recipient{}, err
	}
	if m, ok := matchMember(members, name); ok {
		return domain.Recipient{ID: m.User.ID, Name: m.displayName(), IsMember: true}, nil
	}

	return domain.Recipient{}, fmt.Errorf("%w: %q", domain.ErrUnresolved, token)
}

func (r *Resolver) searchMembers(ctx context.Context, name string) ([]guildMember, error) {
	query := map[string]string{
		"query": name,
		"limit": fmt.Sprint(searchLimit),
	}

	var members []guildMember
	if _, err := r.api.get(ctx, "/guilds/"+r.guildID+"/members/search", query, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Profile is the set of names a user is known by.
type Profile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Nick       string `json:"nick,omitempty"`
}

// Aliases lists every form the user may appear as in a roster.
func (p Profile) Aliases() []string {
	seen := make(map[string]struct{}, 6)
	out := make([]string, 0, 6)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(p.ID)
	if p.ID != "" {
		add("<@" + p.ID + ">")
	}
	add(p.Username)
	if p.Username != "" {
		add("@" + p.Username)
	}
	add(p.GlobalName)
	add(p.Nick)
	return out
}

// Lookup returns the profile for a user id, preferring guild member data.
func (r *Resolver) Lookup(ctx context.Context, userID string) (Profile, error) {
	id, ok := parseUserID(userID)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q is not a user id", domain.ErrUnresolved, userID)
	}

	var m guildMember
	found, err := r.api.get(ctx, "/guilds/"+r.guildID+"/members/"+id, nil, &m)
	if err != nil {
		return Profile{}, err
	}
	if found {
		return Profile{ID: id, Username: m.User.Username, GlobalName: m.User.GlobalName, Nick: m.Nick}, nil
	}

	var u user
	found, err = r.api.get(ctx, "/users/"+id, nil, &u)
	if err != nil {
		return Profile{}, err
	}
	if !found {
		return Profile{}, fmt.Errorf("%w: user %s", domain.ErrUnresolved, id)
	}
	return Profile{ID: id, Username: u.Username, GlobalName: u.GlobalName}, nil
}

func parseUserID(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if m := mentionPattern.FindStringSubmatch(token); m != nil {
		return m[1], true
	}
	if token == "" {
		return "", false
	}
	for _, c := range token {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return token, true
}

func cacheKey(guildID, token string) string {
	return "opd:recipient:" + guildID + ":" + normalizeName(token)
}
