package worker

import (
	"context"
	"log"
	"time"

	"socialinbox/config"
	controller "socialinbox/controllers"
)

// GmailWorker polls the connected Gmail account on an interval so the inbox
// stays current between webhook-less platforms' manual fetches.
type GmailWorker struct {
	gmail  *controller.GmailController
	logger *log.Logger
}

func NewGmailWorker(gmail *controller.GmailController, logger *log.Logger) *GmailWorker {
	return &GmailWorker{
		gmail:  gmail,
		logger: logger,
	}
}

func (gw *GmailWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	gw.logger.Println("Gmail worker started")

	ticker := time.NewTicker(config.AppConfig.GmailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			gw.logger.Println("Gmail worker shutting down...")
			return
		case <-ticker.C:
			gw.poll(ctx)
		}
	}
}

func (gw *GmailWorker) poll(ctx context.Context) {
	fetched, err := gw.gmail.Fetch(ctx, 25)
	if err != nil {
		gw.logger.Printf("Gmail poll failed: %v", err)
		return
	}
	if fetched > 0 {
		gw.logger.Printf("Gmail poll stored %d new messages", fetched)
	}
}
