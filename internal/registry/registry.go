package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/eventbus"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// AdminRoom is the group every admin channel joins.
const AdminRoom = "admin_room"

var (
	ErrChannelClosed = errors.New("registry: channel closed")
	ErrQueueFull     = errors.New("registry: channel queue full")
	ErrUnknownRole   = errors.New("registry: unknown role")
	ErrMissingEntity = errors.New("registry: missing entity id")
)

// Channel is one live connection. Send must not block.
type Channel interface {
	ID() string
	Send(msg models.Outbound) error
	Close() error
}

// Notifier is the delivery contract the dispatch core depends on. It never
// blocks and never reports failure.
type Notifier interface {
	Notify(role models.Role, entityID string, msg models.Outbound)
	Broadcast(group string, msg models.Outbound) int
}

// Disconnected is published after a channel left the registry. Remaining is
// the number of channels the same entity still has open.
type Disconnected struct {
	Role      models.Role
	EntityID  string
	ChannelID string
	Remaining int
	At        time.Time
}

// GroupFor returns the broadcast group of an entity.
func GroupFor(role models.Role, entityID string) string {
	if role == models.RoleAdmin {
		return AdminRoom
	}
	return string(role) + "_" + entityID
}

type member struct {
	role     models.Role
	entityID string
	ch       Channel
	groups   []string
}

type Registry struct {
	mu       sync.RWMutex
	members  map[string]*member
	groups   map[string]map[string]Channel
	entities map[string]map[string]struct{}

	events  *eventbus.Bus[Disconnected]
	forward Forwarder
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		members:  make(map[string]*member),
		groups:   make(map[string]map[string]Channel),
		entities: make(map[string]map[string]struct{}),
		events:   eventbus.New[Disconnected](),
		log:      log,
	}
}

// WithForwarder hands messages for entities with no live channel to f.
func (r *Registry) WithForwarder(f Forwarder) *Registry {
	r.forward = f
	return r
}

// Subscribe returns every Disconnected published from now on. The queue is
// unbounded, so a slow reader delays reassignment but never loses it.
func (r *Registry) Subscribe() <-chan Disconnected { return r.events.SubscribeReliable() }

func (r *Registry) Unsubscribe(ch <-chan Disconnected) { r.events.Unsubscribe(ch) }

// Register joins ch to the groups of (role, entityID). Registering a channel
// id twice silently replaces the previous membership.
func (r *Registry) Register(role models.Role, entityID string, ch Channel) error {
	switch role {
	case models.RoleDriver, models.RoleCustomer:
		if entityID == "" {
			return ErrMissingEntity
		}
	case models.RoleAdmin:
	default:
		return ErrUnknownRole
	}
	m := &member{role: role, entityID: entityID, ch: ch, groups: []string{GroupFor(role, entityID)}}
	r.mu.Lock()
	if prev, _ := r.removeLocked(ch.ID()); prev != nil {
		observability.Connections.WithLabelValues(string(prev.role)).Dec()
	}
	r.members[ch.ID()] = m
	for _, g := range m.groups {
		if r.groups[g] == nil {
			r.groups[g] = make(map[string]Channel)
		}
		r.groups[g][ch.ID()] = ch
	}
	key := entityKey(role, entityID)
	if r.entities[key] == nil {
		r.entities[key] = make(map[string]struct{})
	}
	r.entities[key][ch.ID()] = struct{}{}
	r.mu.Unlock()

	observability.Connections.WithLabelValues(string(role)).Inc()
	r.log.Info().Str("role", string(role)).Str("entity_id", entityID).Str("channel_id", ch.ID()).Msg("channel registered")
	if role == models.RoleDriver {
		r.Broadcast(AdminRoom, models.NewOutbound(models.MsgDriverStatus, models.DriverStatusPayload{DriverID: entityID, Online: true, Available: true}))
	}
	return nil
}

// Unregister removes every membership of the channel and publishes
// Disconnected. Unknown ids are ignored.
func (r *Registry) Unregister(channelID string) { r.unregister(channelID, true) }

func (r *Registry) unregister(channelID string, publish bool) {
	r.mu.Lock()
	m, remaining := r.removeLocked(channelID)
	r.mu.Unlock()
	if m == nil {
		return
	}

	observability.Connections.WithLabelValues(string(m.role)).Dec()
	r.log.Info().Str("role", string(m.role)).Str("entity_id", m.entityID).Str("channel_id", channelID).Int("remaining", remaining).Msg("channel unregistered")

	if m.role == models.RoleDriver && remaining == 0 {
		r.Broadcast(AdminRoom, models.NewOutbound(models.MsgDriverStatus, models.DriverStatusPayload{DriverID: m.entityID}))
	}
	if !publish {
		return
	}
	if dropped := r.events.Publish(Disconnected{Role: m.role, EntityID: m.entityID, ChannelID: channelID, Remaining: remaining, At: time.Now().UTC()}); dropped > 0 {
		observability.EventsDropped.WithLabelValues("registry").Add(float64(dropped))
		r.log.Error().Str("entity_id", m.entityID).Msg("disconnect event missed by subscribers")
	}
}

// Broadcast sends msg to every channel of group and returns how many
// accepted it. Failures are logged and counted, never retried.
func (r *Registry) Broadcast(group string, msg models.Outbound) int {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.groups[group]))
	for _, ch := range r.groups[group] {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if err := ch.Send(msg); err != nil {
			observability.NotificationsDropped.Inc()
			r.log.Warn().Err(err).Str("group", group).Str("channel_id", ch.ID()).Str("type", msg.Type).Msg("notification dropped")
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) Notify(role models.Role, entityID string, msg models.Outbound) {
	if r.Broadcast(GroupFor(role, entityID), msg) > 0 || r.forward == nil || role == models.RoleAdmin {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := r.forward.Forward(ctx, role, entityID, msg); err != nil {
			observability.NotificationsDropped.Inc()
			r.log.Warn().Err(err).Str("role", string(role)).Str("entity_id", entityID).Str("type", msg.Type).Msg("offline forward failed")
		}
	}()
}

func (r *Registry) IsConnected(role models.Role, entityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities[entityKey(role, entityID)]) > 0
}

// Count returns the number of live channels for role.
func (r *Registry) Count(role models.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.role == role {
			n++
		}
	}
	return n
}

// Close closes every channel without publishing Disconnected, so a shutdown
// does not look like drivers going offline. Events queued before Close are
// still delivered.
func (r *Registry) Close() {
	r.events.Close()
	r.mu.RLock()
	chans := make([]Channel, 0, len(r.members))
	for _, m := range r.members {
		chans = append(chans, m.ch)
	}
	r.mu.RUnlock()
	for _, ch := range chans {
		_ = ch.Close()
		r.unregister(ch.ID(), false)
	}
}

func (r *Registry) removeLocked(channelID string) (*member, int) {
	m, ok := r.members[channelID]
	if !ok {
		return nil, 0
	}
	delete(r.members, channelID)
	for _, g := range m.groups {
		delete(r.groups[g], channelID)
		if len(r.groups[g]) == 0 {
			delete(r.groups, g)
		}
	}
	key := entityKey(m.role, m.entityID)
	delete(r.entities[key], channelID)
	remaining := len(r.entities[key])
	if remaining == 0 {
		delete(r.entities, key)
	}
	return m, remaining
}

func entityKey(role models.Role, entityID string) string {
	return string(role) + ":" + entityID
}
