package reassign

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]models.Outbound
}

func (r *recorder) Notify(role models.Role, id string, msg models.Outbound) {
	r.Broadcast(registry.GroupFor(role, id), msg)
}

func (r *recorder) Broadcast(group string, msg models.Outbound) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[group] = append(r.msgs[group], msg)
	return 1
}

func (r *recorder) types(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs[group] {
		out = append(out, m.Type)
	}
	return out
}

type offerLog struct {
	mu  sync.Mutex
	ids []string
}

func (o *offerLog) Offer(_ context.Context, ord *models.Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, ord.ID)
	return nil
}

type fixture struct {
	machine *order.Machine
	geo     *geo.Index
	notify  *recorder
	offers  *offerLog
	reg     *registry.Registry
	monitor *Monitor
}

func newFixture() *fixture {
	log := zerolog.New(io.Discard)
	f := &fixture{
		machine: order.NewMachine(storage.NewMemoryStore(), nil, log),
		geo:     geo.NewIndex(),
		notify:  &recorder{msgs: make(map[string][]models.Outbound)},
		offers:  &offerLog{},
		reg:     registry.New(log),
	}
	f.monitor = NewMonitor(f.machine, f.offers, f.geo, f.reg, f.notify, log)
	return f
}

func (f *fixture) acceptedOrder(t *testing.T, driverID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.machine.Create(ctx, order.CreateCommand{
		CustomerID: "c1",
		Pickup:     models.Coord{Lat: 30.2672, Lon: -97.7431},
		Dropoff:    models.Coord{Lat: 30.2849, Lon: -97.7341},
	})
	require.NoError(t, err)
	o, err = f.machine.TryAssign(ctx, o.ID, driverID, 0)
	require.NoError(t, err)
	return o
}

func TestAcceptedOrderReturnsToPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.geo.Upsert(ctx, models.Driver{ID: "d1", Online: true, Available: true}))
	o := f.acceptedOrder(t, "d1")

	err := f.monitor.HandleDisconnect(ctx, registry.Disconnected{Role: models.RoleDriver, EntityID: "d1"})
	require.NoError(t, err)

	got, err := f.machine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.DriverID)
	assert.Equal(t, []string{o.ID}, f.offers.ids)
	assert.Contains(t, f.notify.types(registry.AdminRoom), models.MsgOrderReassigned)
	assert.Equal(t, []string{models.MsgOrderStatusUpdate}, f.notify.types("customer_c1"))

	d, ok, err := f.geo.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Online)
}

func TestPickedUpOrderIsLeftAlone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o := f.acceptedOrder(t, "d1")
	_, err := f.machine.Advance(ctx, order.AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusPickedUp})
	require.NoError(t, err)

	require.NoError(t, f.monitor.HandleDisconnect(ctx, registry.Disconnected{Role: models.RoleDriver, EntityID: "d1"}))

	got, _ := f.machine.Get(ctx, o.ID)
	assert.Equal(t, models.StatusPickedUp, got.Status)
	assert.Equal(t, "d1", got.Driver())
	assert.Empty(t, f.offers.ids)
	assert.Equal(t, []string{models.MsgDriverOfflineWithActive}, f.notify.types(registry.AdminRoom))
}

func TestIgnoresOtherTabsAndRoles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o := f.acceptedOrder(t, "d1")

	require.NoError(t, f.monitor.HandleDisconnect(ctx, registry.Disconnected{Role: models.RoleDriver, EntityID: "d1", Remaining: 1}))
	require.NoError(t, f.monitor.HandleDisconnect(ctx, registry.Disconnected{Role: models.RoleCustomer, EntityID: "c1"}))

	got, _ := f.machine.Get(ctx, o.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Empty(t, f.offers.ids)
}

func TestRunConsumesRegistryEvents(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.monitor.Run(ctx, f.reg.Subscribe())

	o := f.acceptedOrder(t, "d1")
	ch := &nopChannel{id: "tab"}
	require.NoError(t, f.reg.Register(models.RoleDriver, "d1", ch))
	f.reg.Unregister("tab")

	require.Eventually(t, func() bool {
		got, _ := f.machine.Get(context.Background(), o.ID)
		return got.Status == models.StatusPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectBeforeHandlingKeepsOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := f.reg.Subscribe()
	require.NoError(t, f.geo.Upsert(ctx, models.Driver{ID: "d1", Online: true, Available: false}))
	o := f.acceptedOrder(t, "d1")

	require.NoError(t, f.reg.Register(models.RoleDriver, "d1", &nopChannel{id: "a"}))
	f.reg.Unregister("a")
	require.NoError(t, f.reg.Register(models.RoleDriver, "d1", &nopChannel{id: "b"}))

	var e registry.Disconnected
	select {
	case e = <-events:
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
	require.Equal(t, "d1", e.EntityID)
	require.Zero(t, e.Remaining)
	require.NoError(t, f.monitor.HandleDisconnect(ctx, e))

	got, err := f.machine.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.Driver())
	assert.Empty(t, f.offers.ids)
	assert.Empty(t, f.notify.types(registry.AdminRoom))

	d, ok, err := f.geo.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Online)
}

func TestReleaseToleratesOrderTakenDuringReoffer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	o := f.acceptedOrder(t, "d1")
	f.monitor.offers = takenOfferer{}

	require.NoError(t, f.monitor.HandleDisconnect(ctx, registry.Disconnected{Role: models.RoleDriver, EntityID: "d1"}))
	got, _ := f.machine.Get(ctx, o.ID)
	assert.Equal(t, models.StatusPending, got.Status)
}

type takenOfferer struct{}

func (takenOfferer) Offer(context.Context, *models.Order) error { return order.ErrOrderNotAvailable }

type nopChannel struct{ id string }

func (n *nopChannel) ID() string { return n.id }

func (n *nopChannel) Send(models.Outbound) error { return nil }

func (n *nopChannel) Close() error { return nil }
