/**
 * @description
 * Broker consumer wiring. Transfer status events from the institution
 * payment pipeline arrive on the events exchange; each routing key binds to
 * a handler that returns false to re-queue the delivery.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/rabbitmq"
)

// StartTransferEventsConsumer binds the transfer status routing keys to the
// disbursement handler and begins consuming.
func StartTransferEventsConsumer(consumer *rabbitmq.Consumer, svc *Service, exchange, queue string) error {
	handler := func(body []byte) bool {
		var event domain.TransferStatusEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Printf("level=error component=transfer_consumer msg=\"malformed event; dropping\" err=%v", err)
			return true
		}
		if event.IdempotencyToken == "" {
			log.Printf("level=warn component=transfer_consumer msg=\"event without idempotency token; dropping\"")
			return true
		}
		if err := svc.HandleTransferStatusEvent(context.Background(), event); err != nil {
			if errors.Is(err, store.ErrTransferNotFound) {
				// Token belongs to another service's transfer; not ours to retry.
				log.Printf("level=warn component=transfer_consumer token=%s msg=\"no matching transfer; dropping\"", event.IdempotencyToken)
				return true
			}
			log.Printf("level=error component=transfer_consumer token=%s err=%v", event.IdempotencyToken, err)
			return false
		}
		return true
	}

	bindings := map[string]func([]byte) bool{
		"institution.transfer.confirmed": handler,
		"institution.transfer.failed":    handler,
	}
	return consumer.ConsumeWithBindings(exchange, queue, bindings)
}
