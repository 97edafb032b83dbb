package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/jobpulse/internal/realtime"
	"github.com/npezzotti/jobpulse/internal/stats"
	"github.com/npezzotti/jobpulse/internal/types"
)

const (
	archiveTimeout = 5 * time.Second
	// side effects queued beyond this are dropped
	effectQueueSize = 64
)

var ErrMissingId = errors.New("notification has no id")

// Subscriber is satisfied by *realtime.Manager.
type Subscriber interface {
	Subscribe(kind realtime.EventKind, fn realtime.Listener) func()
}

// Archiver persists notifications, e.g. database.PgNotificationRepository.
type Archiver interface {
	SaveNotification(ctx context.Context, n types.Notification) error
}

type DispatcherConfig struct {
	Chime        Chime
	Desktop      DesktopNotifier
	Archive      Archiver
	SoundEnabled bool
	Volume       float64
}

// Dispatcher records notification events in the Store and triggers the
// chime and desktop popup for new ones.
type Dispatcher struct {
	log   *log.Logger
	store *Store
	sub   Subscriber
	stats stats.StatsProvider
	cfg   DispatcherConfig

	permOnce sync.Once
	effects  chan func()

	mu     sync.Mutex
	unsubs []func()
	quit   chan struct{}
	done   chan struct{}
}

func NewDispatcher(logger *log.Logger, store *Store, sub Subscriber, su stats.StatsProvider, cfg DispatcherConfig) *Dispatcher {
	if su == nil {
		su = stats.Nop{}
	}
	cfg.Volume = clampVolume(cfg.Volume)

	return &Dispatcher{
		log:     logger,
		store:   store,
		sub:     sub,
		stats:   su,
		cfg:     cfg,
		effects: make(chan func(), effectQueueSize),
	}
}

func (d *Dispatcher) Store() *Store {
	return d.store
}

// Start asks for desktop notification permission if it has never been
// asked for, starts the side effect worker and subscribes to every
// notification kind. Calling Start again while started does nothing.
func (d *Dispatcher) Start() {
	d.permOnce.Do(d.requestPermission)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quit != nil {
		return
	}
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.runEffects(d.quit, d.done)

	for _, kind := range realtime.NotificationKinds {
		d.unsubs = append(d.unsubs, d.sub.Subscribe(kind, d.Handle))
	}
}

// Stop unsubscribes and waits for queued side effects to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	unsubs, quit, done := d.unsubs, d.quit, d.done
	d.unsubs, d.quit, d.done = nil, nil, nil
	d.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if quit != nil {
		close(quit)
		<-done
	}
}

func (d *Dispatcher) runEffects(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case fn := <-d.effects:
			fn()
		case <-quit:
			for {
				select {
				case fn := <-d.effects:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) requestPermission() {
	if d.cfg.Desktop == nil || d.cfg.Desktop.Permission() != PermissionDefault {
		return
	}

	perm := d.cfg.Desktop.RequestPermission()
	d.log.Printf("desktop notification permission: %s", perm)
}

// Handle records one notification event and queues its side effects on
// the worker started by Start. Side effect failures are logged and never
// returned.
func (d *Dispatcher) Handle(ev realtime.Event) error {
	n, err := notificationFrom(ev)
	if err != nil {
		return err
	}

	if !d.store.Add(n) {
		d.log.Printf("duplicate notification %s ignored", n.Id)
		return nil
	}
	d.stats.Incr(stats.NotificationsReceived)

	select {
	case d.effects <- func() { d.sideEffects(n) }:
	default:
		d.log.Printf("side effect queue full, skipping alerts for notification %s", n.Id)
	}

	return nil
}

func (d *Dispatcher) sideEffects(n types.Notification) {
	if d.cfg.Archive != nil {
		d.contain("archive", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			return d.cfg.Archive.SaveNotification(ctx, n)
		})
	}

	if d.cfg.SoundEnabled && d.cfg.Chime != nil {
		d.contain("chime", func() error {
			return d.cfg.Chime.Play(d.cfg.Volume)
		})
	}

	if d.cfg.Desktop != nil && d.cfg.Desktop.Permission() == PermissionGranted {
		d.contain("desktop notification", func() error {
			return d.cfg.Desktop.Show(titleFor(n.Type), n.Message)
		})
	}
}

func (d *Dispatcher) contain(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("%s panicked: %v", name, r)
		}
	}()

	if err := fn(); err != nil {
		d.log.Printf("%s: %v", name, err)
	}
}

func notificationFrom(ev realtime.Event) (types.Notification, error) {
	var n types.Notification
	switch p := ev.Payload.(type) {
	case types.Notification:
		n = p
	case *types.Notification:
		n = *p
	default:
		if len(ev.Raw) == 0 {
			return n, fmt.Errorf("unexpected %s payload %T", ev.Kind, ev.Payload)
		}
		if err := json.Unmarshal(ev.Raw, &n); err != nil {
			return n, fmt.Errorf("decode notification: %w", err)
		}
	}

	if n.Id == "" {
		return n, ErrMissingId
	}
	if n.Type == "" {
		n.Type = string(ev.Kind)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	return n, nil
}

func titleFor(kind string) string {
	switch realtime.EventKind(kind) {
	case realtime.KindJobAlert:
		return "New job alert"
	case realtime.KindApplicationUpdate:
		return "Application update"
	case realtime.KindInterviewScheduled:
		return "Interview scheduled"
	default:
		return "New notification"
	}
}
