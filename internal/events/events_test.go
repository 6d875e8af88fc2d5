package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

func TestPublishDeduplicatesTopicsAndTagsOwner(t *testing.T) {
	bus := NewBus(nil)
	var got []Event
	unsubscribe := bus.Subscribe(func(evt Event) { got = append(got, evt) })

	ctx := store.WithActor(context.Background(), domain.Actor{UserID: "k-1", Role: domain.RoleCashier, OwnerID: "o-1"})
	bus.Publish(ctx, DebtsUpdated, PartnersUpdated, DebtsUpdated)

	require.Len(t, got, 2)
	assert.Equal(t, Event{Topic: DebtsUpdated, OwnerID: "o-1"}, got[0])
	assert.Equal(t, PartnersUpdated, got[1].Topic)

	unsubscribe()
	bus.Publish(ctx, CashboxUpdated)
	assert.Len(t, got, 2)
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(func(Event) { panic("view crashed") })
	delivered := 0
	bus.Subscribe(func(Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), ProductsUpdated)
	})
	assert.Equal(t, 1, delivered)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	var nilBus *Bus
	assert.NotPanics(t, func() {
		nilBus.Publish(context.Background(), ProductsUpdated)
		NewBus(nil).Publish(context.Background(), ProductsUpdated)
	})
}

func TestHubDeliversOnlyToMatchingOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(nil)
	hub := NewHub("*", nil)
	hub.Attach(bus)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("owner"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	mine, _, err := websocket.DefaultDialer.Dial(wsURL+"?owner=o-1", nil)
	require.NoError(t, err)
	defer mine.Close()
	theirs, _, err := websocket.DefaultDialer.Dial(wsURL+"?owner=o-2", nil)
	require.NoError(t, err)
	defer theirs.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	ownerCtx := store.WithActor(context.Background(), domain.Actor{UserID: "o-1", Role: domain.RoleOwner})
	bus.Publish(ownerCtx, CashboxUpdated)

	_ = mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := mine.ReadMessage()
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, CashboxUpdated, evt.Topic)

	_ = theirs.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = theirs.ReadMessage()
	assert.Error(t, err)
}
