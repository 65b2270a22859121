package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/careloop/attestation-service/internal/domain"
	"github.com/careloop/attestation-service/internal/hashing"
	"github.com/careloop/attestation-service/internal/store"
	"github.com/careloop/attestation-service/pkg/institutionclient"
	"github.com/careloop/attestation-service/pkg/ledgerclient"
)

// Shared stubs and fixtures for the service tests.

type producerStub struct {
	published []publishedEvent
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Body       interface{}
}

func (p *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Body: body})
	return nil
}

func (p *producerStub) Close() {}

type ledgerStub struct {
	submitRef   string
	submitErr   error
	submitCalls int

	confirmations map[string]int
}

func (l *ledgerStub) Submit(ctx context.Context, payload ledgerclient.SubmitRequest) (string, error) {
	l.submitCalls++
	if l.submitErr != nil {
		return "", l.submitErr
	}
	return l.submitRef, nil
}

func (l *ledgerStub) Confirmations(ctx context.Context, txRef string) (int, error) {
	n, ok := l.confirmations[txRef]
	if !ok {
		return 0, errors.New("unknown tx ref")
	}
	return n, nil
}

type institutionStub struct {
	failAll    error
	failTokens map[string]error
	calls      []institutionclient.TransferRequest
}

func (i *institutionStub) InitiateTransfer(ctx context.Context, payload institutionclient.TransferRequest) (*institutionclient.TransferResponse, error) {
	i.calls = append(i.calls, payload)
	if i.failAll != nil {
		return nil, i.failAll
	}
	if err, ok := i.failTokens[payload.IdempotencyToken]; ok {
		return nil, err
	}
	resp := &institutionclient.TransferResponse{}
	resp.Data.ExternalRef = "ext_" + payload.IdempotencyToken
	resp.Data.Status = "initiated"
	return resp, nil
}

type identityStub struct {
	keys map[string]ed25519.PublicKey
}

func (i *identityStub) GetPublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	key, ok := i.keys[userID]
	if !ok {
		return nil, errors.New("no signing key registered")
	}
	return key, nil
}

var testEpoch = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		ProximityToleranceMeters: 150,
		MinSessionMinutes:        30,
		MaxSessionMinutes:        480,
		RequestExpiry:            72 * time.Hour,
		SignatureExpiry:          24 * time.Hour,
		ConfirmationThreshold:    3,
		SubmissionMaxRetries:     5,
		SubmissionBackoffBase:    2 * time.Second,
		DisbursementMaxRetries:   3,
		CommissionMode:           domain.CommissionPercent,
		CommissionPercent:        5.0,
		EventsExchange:           "careloop.events",
	}
}

// newTestService wires a service around a repository stub with a fixed clock.
func newTestService(repo store.Repository) (*Service, *producerStub, *ledgerStub, *institutionStub, *identityStub) {
	producer := &producerStub{}
	ledger := &ledgerStub{submitRef: "ltx_test", confirmations: map[string]int{}}
	institution := &institutionStub{}
	identity := &identityStub{keys: map[string]ed25519.PublicKey{}}
	svc := NewService(repo, hashing.NewMasker("test-salt"), ledger, institution, identity, producer, testSettings())
	svc.now = func() time.Time { return testEpoch }
	return svc, producer, ledger, institution, identity
}
