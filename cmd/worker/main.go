package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"barassistant/internal/bot"
	"barassistant/internal/config"
	"barassistant/internal/history"
	"barassistant/internal/queue/rabbitmq"
	"barassistant/internal/telegram"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	if cfg.TelegramToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required")
	}

	store, err := history.Open(cfg.DBPath, cfg.MaxHistoryMessages)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	tg := telegram.NewClient(cfg.TelegramToken, 30*time.Second)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// Same topology as the publisher; mismatched queue arguments would be a
	// fatal channel error for whichever process connects second.
	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, store, tg, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleJob delivers one broadcast to every known user. Individual send
// failures count against the job's Failed tally but never fail the job.
func handleJob(ctx context.Context, store *history.Store, sender bot.Sender, jobID string) error {
	if err := store.MarkBroadcastRunning(ctx, jobID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// gone or already picked up by another worker
			log.Printf("job %s not in queued state, skipping", jobID)
			return nil
		}
		return err
	}

	job, err := store.GetBroadcastJob(ctx, jobID)
	if err != nil {
		_ = store.MarkBroadcastFailed(ctx, jobID, err.Error())
		return err
	}

	ids, err := store.GetAllUserIDs(ctx)
	if err != nil {
		_ = store.MarkBroadcastFailed(ctx, jobID, err.Error())
		return err
	}

	start := time.Now()
	rep := bot.Fanout(ctx, sender, ids, job.Text, workerConcurrency())

	if err := store.MarkBroadcastSucceeded(ctx, jobID, rep.Delivered, rep.Failed); err != nil {
		return err
	}
	log.Printf("job %s done delivered=%d failed=%d cost=%s", jobID, rep.Delivered, rep.Failed, time.Since(start))
	return nil
}
