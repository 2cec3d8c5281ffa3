package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/rolewatch/internal/store"
)

type key struct{ org, id string }

type notifKey struct{ org, channel, message, role string }

// Store is an in-process store.Store. Nothing survives a restart.
type Store struct {
	mu            sync.Mutex
	cursors       map[key]store.Cursor
	admins        map[key]bool
	roles         map[key]map[string]struct{} // (org, role) -> users
	notifications map[notifKey]store.Delivery
	now           func() time.Time
}

func New() *Store {
	return &Store{
		cursors:       make(map[key]store.Cursor),
		admins:        make(map[key]bool),
		roles:         make(map[key]map[string]struct{}),
		notifications: make(map[notifKey]store.Delivery),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) EnsureSchema(context.Context) error { return nil }
func (s *Store) Close() error                       { return nil }

func (s *Store) GetCursor(_ context.Context, orgID, channelID string) (store.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[key{orgID, channelID}]
	return c, ok, nil
}

func (s *Store) SetCursor(_ context.Context, c store.Cursor) error {
	if c.OrgID == "" || c.ChannelID == "" || c.LastMessageID == "" {
		return errors.New("cursor requires org, channel and message id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.OrgID, c.ChannelID}
	if cur, ok := s.cursors[k]; ok && c.LastMessageAt.Before(cur.LastMessageAt) {
		return store.ErrCursorRegression
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	// same millisecond precision as the SQL backends
	c.LastMessageAt = time.UnixMilli(c.LastMessageAt.UnixMilli()).UTC()
	c.UpdatedAt = time.UnixMilli(c.UpdatedAt.UnixMilli()).UTC()
	s.cursors[k] = c
	return nil
}

func (s *Store) ClearCursors(_ context.Context, orgID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.cursors {
		if k.org == orgID {
			delete(s.cursors, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListCursors(_ context.Context, orgID string) ([]store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Cursor, 0)
	for k, c := range s.cursors {
		if k.org == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *Store) IsAdmin(_ context.Context, orgID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[key{orgID, userID}], nil
}

func (s *Store) NotifyRole(_ context.Context, m store.RoleMention) (store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.roles[key{m.OrgID, m.RoleName}]
	if !ok {
		return store.Delivery{Outcome: store.DeliveryUnknownRole}, nil
	}
	if len(users) == 0 {
		return store.Delivery{Outcome: store.DeliveryNoSubscribers}, nil
	}
	recipients := make([]string, 0, len(users))
	for u := range users {
		recipients = append(recipients, u)
	}
	sort.Strings(recipients)
	nk := notifKey{m.OrgID, m.ChannelID, m.MessageID, m.RoleName}
	if _, dup := s.notifications[nk]; dup {
		return store.Delivery{Outcome: store.DeliveryDuplicate, Recipients: recipients}, nil
	}
	d := store.Delivery{Outcome: store.DeliverySent, NotificationID: uuid.NewString(), Recipients: recipients}
	s.notifications[nk] = d
	return d, nil
}

// UpsertUser registers a user and its admin flag.
func (s *Store) UpsertUser(_ context.Context, orgID, userID, _ string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[key{orgID, userID}] = admin
	return nil
}

// CreateRole registers a role with no subscribers.
func (s *Store) CreateRole(_ context.Context, orgID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{orgID, normRole(role)}
	if _, ok := s.roles[k]; !ok {
		s.roles[k] = make(map[string]struct{})
	}
	return nil
}

// AssignRole creates the role if needed and subscribes the user to it.
func (s *Store) AssignRole(_ context.Context, orgID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{orgID, normRole(role)}
	if _, ok := s.roles[k]; !ok {
		s.roles[k] = make(map[string]struct{})
	}
	s.roles[k][userID] = struct{}{}
	return nil
}

// CountNotifications returns how many notifications were recorded for a role.
func (s *Store) CountNotifications(_ context.Context, orgID, role string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.notifications {
		if k.org == orgID && k.role == role {
			n++
		}
	}
	return n, nil
}

func normRole(r string) string { return strings.ToLower(strings.TrimSpace(r)) }
