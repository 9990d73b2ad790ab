package worker

import (
	"context"
	"time"

	"github.com/ignite/broadcast-engine/internal/audience"
	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/segmentation"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
)

// BroadcastRepository loads broadcasts and their variants. Lookups return
// domain.ErrNotFound for missing rows.
type BroadcastRepository interface {
	GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error)
	UpdateBroadcastStatus(ctx context.Context, id string, status domain.BroadcastStatus) error
	SetWinningVariant(ctx context.Context, broadcastID, variantID string) error
	ListVariants(ctx context.Context, broadcastID string) ([]domain.AbTestVariant, error)
	VariantStats(ctx context.Context, broadcastID string) ([]domain.VariantStats, error)
}

type ContactRepository interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
}

type SendingDomainRepository interface {
	GetSendingDomain(ctx context.Context, id string) (*domain.SendingDomain, error)
}

// SendRepository persists EmailSend rows.
type SendRepository interface {
	// ClaimSend inserts s unless a row with the same dedup key exists, in
	// which case the existing row is returned with created=false.
	ClaimSend(ctx context.Context, s *domain.EmailSend) (row *domain.EmailSend, created bool, err error)
	MarkInjected(ctx context.Context, id, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// SegmentRepository is satisfied by segmentation.Store.
type SegmentRepository interface {
	Get(ctx context.Context, id string) (*segmentation.Segment, error)
	PropertyTypes(ctx context.Context, audienceID string) (map[string]segmentation.PropertyType, error)
}

// AudienceSource is satisfied by audience.Source.
type AudienceSource interface {
	Exists(ctx context.Context, audienceID string) (bool, error)
	Window(ctx context.Context, audienceID string, pred *segmentation.Predicate, snapshot bool) (audience.Window, error)
}

// Enqueuer is satisfied by taskqueue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job taskqueue.Job) (string, error)
	EnqueueBatch(ctx context.Context, jobs []taskqueue.Job) (int, error)
}

// Injector is satisfied by pmta.InjectionClient.
type Injector interface {
	Inject(ctx context.Context, inj pmta.Injection) pmta.Result
	InjectBatch(ctx context.Context, injs []pmta.Injection) []pmta.Result
}
