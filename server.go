package roomlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrix-org/roomlist/internal"
	"github.com/matrix-org/roomlist/list"
	"github.com/matrix-org/roomlist/pubsub"
	"github.com/matrix-org/roomlist/sync2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version = ""

type Opts struct {
	DestinationServer string
	AccessToken       string
	BindAddr          string
	SentryDSN         string
	Config            list.Config
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// roomJSON is the read-only wire form of one directory entry.
type roomJSON struct {
	RoomID            string `json:"room_id"`
	Name              string `json:"name,omitempty"`
	Membership        string `json:"membership,omitempty"`
	NotificationCount int    `json:"notification_count"`
	HighlightCount    int    `json:"highlight_count"`
	JoinedCount       int    `json:"joined_count,omitempty"`
	InvitedCount      int    `json:"invited_count,omitempty"`
	PrevBatch         string `json:"prev_batch,omitempty"`
	LastActivityTS    uint64 `json:"last_activity_ts"`
}

func snapshotToJSON(s list.Snapshot) roomJSON {
	return roomJSON{
		RoomID:            s.RoomID,
		Name:              s.Name,
		Membership:        s.Membership,
		NotificationCount: s.NotificationCount,
		HighlightCount:    s.HighlightCount,
		JoinedCount:       s.JoinedMemberCount,
		InvitedCount:      s.InvitedMemberCount,
		PrevBatch:         s.PrevBatch,
		LastActivityTS:    s.LastActivity,
	}
}

// app serves the HTTP surface over whichever lists the registry currently
// holds. Handlers look the list up per request so the registry's idle
// eviction applies to HTTP consumers too.
type app struct {
	registry *list.ListMap
	listKey  string
}

func (a *app) lookup(w http.ResponseWriter) *list.Handle {
	handle := a.registry.Get(a.listKey)
	if handle == nil {
		writeError(w, 503, fmt.Errorf("room list for %s has expired", a.listKey))
		return nil
	}
	return handle
}

func (a *app) serveRooms(w http.ResponseWriter, req *http.Request) {
	handle := a.lookup(w)
	if handle == nil {
		return
	}
	snaps := handle.List.Snapshots()
	rooms := make([]roomJSON, len(snaps))
	for i := range snaps {
		rooms[i] = snapshotToJSON(snaps[i])
	}
	writeJSON(w, 200, rooms)
}

func (a *app) serveRoom(w http.ResponseWriter, req *http.Request) {
	handle := a.lookup(w)
	if handle == nil {
		return
	}
	roomID := mux.Vars(req)["roomID"]
	snap, found := handle.List.SnapshotByID(roomID)
	if !found {
		// room IDs start with '!', aliases with '#'
		snap, found = handle.List.SnapshotByAlias(roomID)
	}
	if !found {
		writeError(w, 404, fmt.Errorf("no room with ID or alias %s", roomID))
		return
	}
	writeJSON(w, 200, snapshotToJSON(snap))
}

func newRouter(a *app) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/rooms", allowCORS(http.HandlerFunc(a.serveRooms)))
	r.Handle("/rooms/{roomID}", allowCORS(http.HandlerFunc(a.serveRoom)))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// RunRoomListServer assembles the whole pipeline: a sync v2 poller feeding
// the two buses, a stream adapter applying them to a RoomList, and an HTTP
// surface to inspect the resulting view. Blocks forever.
func RunRoomListServer(opts Opts) {
	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: Version,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}

	client := &sync2.HTTPClient{
		Client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		DestinationServer: opts.DestinationServer,
	}
	userID, deviceID, err := client.WhoAmI(opts.AccessToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("/whoami request failed, is the access token valid?")
	}
	logger.Info().Str("user", userID).Str("device", deviceID).Msg("authenticated")

	roomsBus := newBus("rooms")
	eventsBus := newBus("events")

	// Every live list is owned by the registry, keyed by the consumer it was
	// assembled for, so an idle list's feed subscriptions get torn down by
	// eviction rather than leaking.
	registry := list.NewListMap(30 * time.Minute)
	defer registry.Close()
	listKey := userID + "|" + deviceID
	handle, _ := registry.GetOrCreate(listKey, func() *list.Handle {
		rl := list.NewRoomList(opts.Config, nil)
		return &list.Handle{
			List:    rl,
			Adapter: list.NewStreamAdapter(rl, roomsBus.listener, eventsBus.listener),
		}
	})
	rl := handle.List

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "roomlist",
		Name:      "directory_size",
		Help:      "Number of entries in the room directory",
	}, func() float64 {
		return float64(rl.Len())
	}))

	poller := sync2.NewPoller(opts.AccessToken, deviceID, client, roomsBus.notifier, eventsBus.notifier)
	go poller.Poll(context.Background(), "", func() {
		logger.Info().Int("num_rooms", rl.Len()).Msg("initial sync complete")
	})

	r := newRouter(&app{registry: registry, listKey: listKey})

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	logger.Info().Str("addr", opts.BindAddr).Msg("listening")
	if err := http.ListenAndServe(opts.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

// bus pairs the raw PubSub (the Listener end handed to the adapter) with a
// metrics-wrapped Notifier (the end handed to the poller).
type bus struct {
	listener pubsub.Listener
	notifier pubsub.Notifier
}

func newBus(subsystem string) bus {
	ps := pubsub.NewPubSub(128)
	return bus{
		listener: ps,
		notifier: pubsub.NewPromNotifier(ps, subsystem),
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	herr := &internal.HandlerError{StatusCode: status, Err: err}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(herr.JSON())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to write JSON response")
	}
}
