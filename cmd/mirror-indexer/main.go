package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/db"
	"github.com/invoicemesh/backend/internal/events"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisCursorSeq = "mirror-indexer:cursor:seq"

// The mirror indexer tails the status topic on the public mirror and checks
// every anchored status message against the database. The ledger record is
// the authoritative one; a divergence is logged loudly and announced on the
// bus, never silently patched.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatusTopicID == "" {
		log.Fatal("STATUS_TOPIC_ID is required for the mirror indexer")
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	invoiceRepo := repositories.NewInvoiceRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	reconciler := mirror.NewReconciler(cfg.MirrorBaseURL, cfg.MirrorTimeout, cfg.MirrorMaxAttempts, log)

	log.Info("mirror indexer started",
		zap.String("topic_id", cfg.StatusTopicID),
		zap.String("network", cfg.LedgerNetwork),
	)

	ticker := time.NewTicker(cfg.IndexerPollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := pollAndProcess(ctx, cfg, reconciler, invoiceRepo, publisher, rdb, log); err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down mirror indexer")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func loadCursor(ctx context.Context, rdb *redis.Client) int64 {
	val, err := rdb.Get(ctx, redisCursorSeq).Result()
	if err != nil || val == "" {
		return 0
	}
	seq, _ := strconv.ParseInt(val, 10, 64)
	return seq
}

func saveCursor(ctx context.Context, rdb *redis.Client, seq int64) {
	rdb.Set(ctx, redisCursorSeq, strconv.FormatInt(seq, 10), 0)
}

// pollAndProcess runs a single poll cycle: fetch the newest topic messages,
// process those past the cursor in consensus order, advance the cursor.
func pollAndProcess(
	ctx context.Context,
	cfg *config.Config,
	reconciler *mirror.Reconciler,
	invoiceRepo *repositories.InvoiceRepo,
	publisher events.Publisher,
	rdb *redis.Client,
	log *zap.Logger,
) error {
	cursor := loadCursor(ctx, rdb)

	msgs, err := reconciler.GetLogMessages(ctx, cfg.StatusTopicID, cfg.IndexerMessageBatchSize)
	if err != nil {
		return err
	}

	var fresh []mirror.TopicMessage
	for _, m := range msgs {
		if m.SequenceNumber > cursor {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].SequenceNumber < fresh[j].SequenceNumber
	})

	for _, m := range fresh {
		processMessage(ctx, m, invoiceRepo, publisher, log)
		cursor = m.SequenceNumber
	}
	saveCursor(ctx, rdb, cursor)
	return nil
}

// processMessage checks one anchored status message against the database
// record of the same invoice.
func processMessage(
	ctx context.Context,
	m mirror.TopicMessage,
	invoiceRepo *repositories.InvoiceRepo,
	publisher events.Publisher,
	log *zap.Logger,
) {
	var msg ledger.StatusMessage
	if err := json.Unmarshal(m.Contents, &msg); err != nil {
		log.Debug("non-status topic message skipped", zap.Int64("seq", m.SequenceNumber))
		return
	}
	if msg.Type != "invoice_status" || msg.InvoiceID == "" {
		return
	}

	invoiceID, err := uuid.Parse(msg.InvoiceID)
	if err != nil {
		log.Warn("anchored message carries invalid invoice id",
			zap.Int64("seq", m.SequenceNumber),
			zap.String("invoice_id", msg.InvoiceID),
		)
		return
	}

	inv, err := invoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		log.Warn("anchored message references unknown invoice",
			zap.Int64("seq", m.SequenceNumber),
			zap.String("invoice_id", msg.InvoiceID),
		)
		return
	}

	// The anchor may legitimately trail the database while statuses move
	// forward. Only an anchor the database never passed through is a
	// divergence.
	if inv.Status != msg.Status && !statusPassedThrough(inv.Status, msg.Status) {
		log.Error("ledger anchor diverges from database",
			zap.String("invoice_id", msg.InvoiceID),
			zap.String("anchored_status", msg.Status),
			zap.String("db_status", inv.Status),
			zap.Int64("seq", m.SequenceNumber),
		)
		_ = publisher.Publish(ctx, events.StreamInvoice, events.Event{
			Type: events.EventInvoiceAnchored,
			Payload: map[string]any{
				"invoice_id":      msg.InvoiceID,
				"anchored_status": msg.Status,
				"db_status":       inv.Status,
				"divergent":       true,
				"seq":             m.SequenceNumber,
			},
		})
		return
	}

	log.Info("status anchor confirmed",
		zap.String("invoice_id", msg.InvoiceID),
		zap.String("status", msg.Status),
		zap.Int64("seq", m.SequenceNumber),
	)
	_ = publisher.Publish(ctx, events.StreamInvoice, events.Event{
		Type: events.EventInvoiceAnchored,
		Payload: map[string]any{
			"invoice_id": msg.InvoiceID,
			"status":     msg.Status,
			"seq":        m.SequenceNumber,
		},
	})
}

// statusPassedThrough reports whether an invoice currently at dbStatus could
// have passed through anchored earlier in its lifecycle.
func statusPassedThrough(dbStatus, anchored string) bool {
	order := map[string]int{
		"issued":            0,
		"funding_requested": 1,
		"funded":            2,
		"overdue":           2,
		"paid":              3,
		"cancelled":         3,
	}
	db, ok1 := order[dbStatus]
	an, ok2 := order[anchored]
	return ok1 && ok2 && an <= db
}
