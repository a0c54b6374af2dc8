package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event ist eine Fortschrittsmeldung zu einem Verifikations-Job.
type Event struct {
	JobID             string  `json:"job_id"`
	Status            string  `json:"status"`
	Progress          float64 `json:"progress"`
	VerifiedSentences int     `json:"verified_sentences"`
	TotalSentences    int     `json:"total_sentences"`
	Message           string  `json:"message,omitempty"`
	Timestamp         int64   `json:"timestamp"`
}

// Publisher veröffentlicht Fortschrittsmeldungen für Abonnenten.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus publiziert Job-Fortschritt über Redis Pub/Sub. Jeder Job hat einen
// eigenen Kanal, damit Abonnenten gezielt mitlesen können.
type Bus struct {
	Client *redis.Client
	Logger *zap.Logger
}

// NewBus erstellt einen neuen Progress-Bus.
func NewBus(client *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{Client: client, Logger: logger}
}

// Channel liefert den Kanalnamen für einen Job.
func Channel(jobID uuid.UUID) string {
	return "verification_progress_" + jobID.String()
}

// Publish veröffentlicht das Ereignis. Fehler werden nur geloggt; eine
// verpasste Fortschrittsmeldung darf den Job nie beeinträchtigen.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.Logger.Warn("Failed to encode progress event", zap.Error(err))
		return
	}
	channel := "verification_progress_" + event.JobID
	if err := b.Client.Publish(ctx, channel, payload).Err(); err != nil {
		b.Logger.Warn("Failed to publish progress event",
			zap.String("channel", channel), zap.Error(err))
	}
}

// Subscribe abonniert die Fortschrittsmeldungen eines Jobs. Der Aufrufer
// muss die Subscription schließen.
func (b *Bus) Subscribe(ctx context.Context, jobID uuid.UUID) *redis.PubSub {
	return b.Client.Subscribe(ctx, Channel(jobID))
}
