package server

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reddit-marker/pkg/marker"
	"reddit-marker/storage"
	"reddit-marker/tags"
)

// Message types accepted by the dispatcher.
const (
	TypeUsersInfo        = "users_info"
	TypeGetTags          = "get_tags"
	TypeSetTag           = "set_tag"
	TypeDeleteTag        = "delete_tag"
	TypeGetUserStats     = "get_user_stats"
	TypeRefreshTags      = "refresh_tags"
	TypeUsersCacheUnload = "users_cache_unload"
	TypeDBOutdate        = "db_outdate"
	TypeDBReset          = "db_reset"

	// TypeError is the type of every failure reply.
	TypeError = "error"
)

// Sort orders for user stats.
const (
	SortScoreDesc = "score_desc"
	SortScoreAsc  = "score_asc"
	SortName      = "name"
)

// Message is a request envelope.
type Message struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
}

// Reply answers a Message with the same nonce. Type is the request type on
// success and TypeError on failure.
type Reply struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	Nonce string `json:"nonce"`
}

// ErrorBody is the Data of a failure reply.
type ErrorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// StatsReply is the Data of a get_user_stats reply.
type StatsReply struct {
	Username string             `json:"username"`
	Sort     string             `json:"sort"`
	Stats    []*marker.UserStat `json:"stats"`
}

// statsRequest is the object form of get_user_stats data. A bare string is
// also accepted and means the username.
type statsRequest struct {
	Username string `json:"username"`
	Sort     string `json:"sort"`
}

// Coordinator resolves users and runs refreshes.
type Coordinator interface {
	Users(ctx context.Context, usernames []string) []*marker.UserInfo
	Stats(ctx context.Context, username string) ([]*marker.UserStat, error)
	TriggerBulk()
	BulkRefresh(ctx context.Context) error
	ResetCache()
	MarkAllStale(ctx context.Context) error
	ResetDatabase(ctx context.Context) error
}

// Reloader rebuilds tag rules after a definition changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Dispatcher handles messages independent of transport. Reset messages hold
// an exclusive lock so no other message is handled while they run.
type Dispatcher struct {
	store  *storage.Store
	coord  Coordinator
	rules  Reloader
	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(store *storage.Store, coord Coordinator, rules Reloader, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		coord:  coord,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

func exclusive(msgType string) bool {
	switch msgType {
	case TypeUsersCacheUnload, TypeDBOutdate, TypeDBReset:
		return true
	}
	return false
}

// Handle processes one message and builds its reply.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) Reply {
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}

	if exclusive(msg.Type) {
		d.mu.Lock()
		defer d.mu.Unlock()
	} else {
		d.mu.RLock()
		defer d.mu.RUnlock()
	}

	start := time.Now()
	data, err := d.handle(ctx, msg)
	if err != nil {
		reason := marker.Reason(err)
		if reason == "internal_error" {
			d.logger.Error("Message failed", "type", msg.Type, "nonce", msg.Nonce, "error", err)
		} else {
			d.logger.Warn("Message rejected", "type", msg.Type, "nonce", msg.Nonce, "reason", reason, "error", err)
		}
		return Reply{Type: TypeError, Nonce: msg.Nonce, Data: ErrorBody{Reason: reason, Message: err.Error()}}
	}

	d.logger.Debug("Message handled",
		"type", msg.Type,
		"nonce", msg.Nonce,
		"duration_ms", time.Since(start).Milliseconds())
	return Reply{Type: msg.Type, Nonce: msg.Nonce, Data: data}
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) (any, error) {
	switch msg.Type {
	case TypeUsersInfo:
		var names []string
		if err := decodeData(msg, &names); err != nil {
			return nil, err
		}
		return d.coord.Users(ctx, names), nil

	case TypeGetTags:
		list, err := storage.ListAs[marker.Tag](ctx, d.store, storage.TableTags, nil, "")
		if err != nil {
			return nil, fmt.Errorf("list tags: %w", err)
		}
		return list, nil

	case TypeSetTag:
		var tag marker.Tag
		if err := decodeData(msg, &tag); err != nil {
			return nil, err
		}
		return d.setTag(ctx, &tag)

	case TypeDeleteTag:
		var id uint32
		if err := decodeData(msg, &id); err != nil {
			return nil, err
		}
		return d.deleteTag(ctx, id)

	case TypeGetUserStats:
		req, err := decodeStatsRequest(msg)
		if err != nil {
			return nil, err
		}
		return d.userStats(ctx, req)

	case TypeRefreshTags:
		if err := d.coord.BulkRefresh(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"refreshed": true}, nil

	case TypeUsersCacheUnload:
		d.coord.ResetCache()
		return map[string]bool{"unloaded": true}, nil

	case TypeDBOutdate:
		if err := d.coord.MarkAllStale(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"outdated": true}, nil

	case TypeDBReset:
		if err := d.coord.ResetDatabase(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"reset": true}, nil

	default:
		return nil, &marker.ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

func decodeData(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return &marker.ValidationError{Field: "data", Message: "missing data for " + msg.Type}
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return &marker.ValidationError{Field: "data", Message: err.Error()}
	}
	return nil
}

func decodeStatsRequest(msg Message) (statsRequest, error) {
	var req statsRequest
	if trimmed := bytes.TrimSpace(msg.Data); len(trimmed) > 0 && trimmed[0] == '"' {
		err := decodeData(msg, &req.Username)
		return req, err
	}
	err := decodeData(msg, &req)
	return req, err
}

// setTag stores a tag definition, filling unset fields from the default
// template. Definitions that can never be satisfied are rejected.
func (d *Dispatcher) setTag(ctx context.Context, tag *marker.Tag) (*marker.Tag, error) {
	def := tags.DefaultTag(d.now())
	if tag.ID == 0 {
		tag.ID = def.ID
	}
	if tag.Name == "" {
		tag.Name = def.Name
	}
	if tag.Color == "" {
		tag.Color = def.Color
	}
	if tag.Type == "" {
		tag.Type = def.Type
	}
	if len(tag.Settings) == 0 || string(tag.Settings) == "null" {
		tag.Settings = def.Settings
	}
	tag.Updated = d.now().Unix()

	if _, err := tags.NewRule(tag); err != nil {
		return nil, err
	}
	if err := d.store.Set(ctx, storage.TableTags, tag); err != nil {
		return nil, fmt.Errorf("save tag: %w", err)
	}
	if err := d.rules.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reload tags: %w", err)
	}
	d.coord.TriggerBulk()

	d.logger.Info("Tag saved", "tag_id", tag.ID, "name", tag.Name)
	return tag, nil
}

func (d *Dispatcher) deleteTag(ctx context.Context, id uint32) (map[string]uint32, error) {
	n, err := d.store.Delete(ctx, storage.TableTags, storage.Only(id), "")
	if err != nil {
		return nil, fmt.Errorf("delete tag: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("tag %d: %w", id, marker.ErrNotFound)
	}
	if err := d.rules.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reload tags: %w", err)
	}
	d.coord.TriggerBulk()

	d.logger.Info("Tag deleted", "tag_id", id)
	return map[string]uint32{"deleted": id}, nil
}

func (d *Dispatcher) userStats(ctx context.Context, req statsRequest) (*StatsReply, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		return nil, &marker.ValidationError{Table: storage.TableStats, Field: "username", Message: "empty username"}
	}
	if req.Sort == "" {
		req.Sort = SortScoreDesc
	}

	var sorter func(a, b *marker.UserStat) int
	switch req.Sort {
	case SortScoreDesc:
		sorter = func(a, b *marker.UserStat) int { return cmp.Compare(b.Karma(), a.Karma()) }
	case SortScoreAsc:
		sorter = func(a, b *marker.UserStat) int { return cmp.Compare(a.Karma(), b.Karma()) }
	case SortName:
		sorter = func(a, b *marker.UserStat) int { return strings.Compare(a.Subreddit, b.Subreddit) }
	default:
		return nil, &marker.ValidationError{Table: storage.TableStats, Field: "sort", Message: "unknown sort " + req.Sort}
	}

	stats, err := d.coord.Stats(ctx, username)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []*marker.UserStat{}
	}
	slices.SortStableFunc(stats, sorter)
	return &StatsReply{Username: username, Sort: req.Sort, Stats: stats}, nil
}
