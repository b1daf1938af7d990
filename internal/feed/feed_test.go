package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
)

var received = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalize_Valid(t *testing.T) {
	cases := []struct {
		name  string
		venue model.Venue
		raw   string
		want  model.MarketEvent
	}{
		{
			name:  "raydium pool created with string numbers",
			venue: model.VenueRaydium,
			raw:   `{"type":"pool_created","ammId":"AMM1","baseMint":"TOK","quoteMint":"SOL","liquidity":"42.5","timestamp":"1772443800000"}`,
			want: model.MarketEvent{Venue: model.VenueRaydium, PoolID: "AMM1", BaseMint: "TOK", QuoteMint: "SOL",
				Liquidity: d("42.5"), Price: d("0"), Timestamp: time.UnixMilli(1772443800000).UTC(), Kind: model.EventPoolCreated},
		},
		{
			name:  "raydium price update with numbers",
			venue: model.VenueRaydium,
			raw:   `{"type":"price_update","ammId":"AMM1","baseMint":"TOK","quoteMint":"SOL","liquidity":50,"price":0.00012,"timestamp":1772443800500}`,
			want: model.MarketEvent{Venue: model.VenueRaydium, PoolID: "AMM1", BaseMint: "TOK", QuoteMint: "SOL",
				Liquidity: d("50"), Price: d("0.00012"), Timestamp: time.UnixMilli(1772443800500).UTC(), Kind: model.EventPriceUpdate},
		},
		{
			name:  "meteora liquidity",
			venue: model.VenueMeteora,
			raw:   `{"event":"liquidity","pool_address":"MET1","token_x_mint":"TOK","token_y_mint":"USDC","liquidity_usd":"1200","slot_time":1772443800}`,
			want: model.MarketEvent{Venue: model.VenueMeteora, PoolID: "MET1", BaseMint: "TOK", QuoteMint: "USDC",
				Liquidity: d("1200"), Price: d("0"), Timestamp: time.Unix(1772443800, 0).UTC(), Kind: model.EventLiquidityChanged},
		},
		{
			name:  "pumpfun create without timestamp",
			venue: model.VenuePumpFun,
			raw:   `{"txType":"create","mint":"PUMP","bondingCurveKey":"CURVE","vSolInBondingCurve":30,"vTokensInBondingCurve":"1000000000"}`,
			want: model.MarketEvent{Venue: model.VenuePumpFun, PoolID: "CURVE", BaseMint: "PUMP", QuoteMint: config.WrappedSOL,
				Liquidity: d("30"), Price: d("0.00000003"), Timestamp: received, Kind: model.EventPoolCreated},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeAt(tc.venue, []byte(tc.raw), received)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Venue, got.Venue)
			assert.Equal(t, tc.want.PoolID, got.PoolID)
			assert.Equal(t, tc.want.BaseMint, got.BaseMint)
			assert.Equal(t, tc.want.QuoteMint, got.QuoteMint)
			assert.True(t, tc.want.Liquidity.Equal(got.Liquidity), "liquidity %s", got.Liquidity)
			assert.True(t, tc.want.Price.Equal(got.Price), "price %s", got.Price)
			assert.True(t, tc.want.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, tc.want.Kind, got.Kind)
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		venue model.Venue
		raw   string
		field string
	}{
		{"not json", model.VenueRaydium, `{"type":`, ""},
		{"unknown type", model.VenueRaydium, `{"type":"burn","ammId":"A","baseMint":"B","quoteMint":"Q","timestamp":1}`, "type"},
		{"missing pool", model.VenueRaydium, `{"type":"pool_created","baseMint":"B","quoteMint":"Q","liquidity":1,"timestamp":1}`, "ammId"},
		{"missing timestamp", model.VenueRaydium, `{"type":"pool_created","ammId":"A","baseMint":"B","quoteMint":"Q","liquidity":1}`, "timestamp"},
		{"negative liquidity", model.VenueRaydium, `{"type":"liquidity_changed","ammId":"A","baseMint":"B","quoteMint":"Q","liquidity":-1,"timestamp":1}`, "liquidity"},
		{"price update without price", model.VenueMeteora, `{"event":"swap","pool_address":"P","token_x_mint":"B","token_y_mint":"Q","slot_time":1}`, "price"},
		{"pool created without liquidity", model.VenueMeteora, `{"event":"pool_init","pool_address":"P","token_x_mint":"B","token_y_mint":"Q","slot_time":1}`, "liquidity"},
		{"non numeric string", model.VenueMeteora, `{"event":"liquidity","pool_address":"P","token_x_mint":"B","token_y_mint":"Q","liquidity_usd":"lots","slot_time":1}`, ""},
		{"same mints", model.VenueMeteora, `{"event":"liquidity","pool_address":"P","token_x_mint":"Q","token_y_mint":"Q","liquidity_usd":1,"slot_time":1}`, "token_x_mint"},
		{"empty curve", model.VenuePumpFun, `{"txType":"buy","mint":"M","bondingCurveKey":"C","vSolInBondingCurve":0,"vTokensInBondingCurve":1}`, "vSolInBondingCurve"},
		{"unsupported venue", model.Venue("orca"), `{}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeAt(tc.venue, []byte(tc.raw), received)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPayload)
			var ne *NormalizationError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, tc.field, ne.Field)
		})
	}
}

func writeReplay(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func collect(t *testing.T, s *Stream) ([]model.MarketEvent, error) {
	t.Helper()
	out := make(chan model.MarketEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), out) }()
	var evs []model.MarketEvent
	for ev := range out {
		evs = append(evs, ev)
	}
	return evs, <-errc
}

func TestStream_ReplayDropsMalformedAndKeepsOrder(t *testing.T) {
	path := writeReplay(t,
		`{"venue":"raydium","payload":{"type":"pool_created","ammId":"A","baseMint":"B","quoteMint":"Q","liquidity":10,"timestamp":1000}}`,
		`{"venue":"raydium","payload":{"type":"price_update","ammId":"A","baseMint":"B","quoteMint":"Q"}}`,
		`not json at all`,
		`{"venue":"pump.fun","payload":"{\"txType\":\"buy\",\"mint\":\"M\",\"bondingCurveKey\":\"C\",\"vSolInBondingCurve\":40,\"vTokensInBondingCurve\":800,\"timestamp\":2000}"}`,
		`{"venue":"raydium","payload":{"type":"liquidity_changed","ammId":"A","baseMint":"B","quoteMint":"Q","liquidity":4,"timestamp":3000}}`,
	)
	evs, err := collect(t, NewStream(4, ReplaySource{Path: path}))
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, model.EventPoolCreated, evs[0].Kind)
	assert.Equal(t, model.VenuePumpFun, evs[1].Venue)
	assert.True(t, evs[1].Price.Equal(d("0.05")))
	assert.Equal(t, model.EventLiquidityChanged, evs[2].Kind)
}

func TestStream_MissingReplayFails(t *testing.T) {
	_, err := collect(t, NewStream(4, ReplaySource{Path: filepath.Join(t.TempDir(), "nope.jsonl")}))
	assert.Error(t, err)
}

func TestSubscription_SubscribesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	subs := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		select {
		case subs <- string(msg):
		default:
		}
		payload := `{"type":"pool_created","ammId":"A` + string(rune('0'+n)) + `","baseMint":"B","quoteMint":"Q","liquidity":1,"timestamp":1}`
		_ = c.WriteMessage(websocket.TextMessage, []byte(payload))
		// first connection drops; second goes silent and trips the idle timeout
		if n > 1 {
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub := NewSubscription(model.VenueRaydium, url, `{"op":"subscribe"}`, 50*time.Millisecond,
		retry.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan Frame, 8)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, frames) }()

	got := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case f := <-frames:
			ev, err := Normalize(f.Venue, f.Payload)
			require.NoError(t, err)
			got[ev.PoolID] = true
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.True(t, got["A1"])
	assert.True(t, got["A2"])
	assert.Equal(t, `{"op":"subscribe"}`, <-subs)
	assert.GreaterOrEqual(t, sub.Reconnects(), int64(1))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, sub.ConnectionState())
}
