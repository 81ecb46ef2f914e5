package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/internal/journal"
	"github.com/docdrop/ftpbridge/internal/staging"
	"github.com/docdrop/ftpbridge/pkg/config"
	"github.com/docdrop/ftpbridge/pkg/types"
)

// API is the slice of the Paperless client the bridge depends on
type API interface {
	UploadDocument(ctx context.Context, path, filename string) (string, error)
	TaskStatus(ctx context.Context, taskID string) (string, error)
}

// Result is the outcome of one hand-off attempt, success or terminal
// failure. Transient distinguishes 4xx-family from 5xx-family FTP
// replies when Delivered is false.
type Result struct {
	Delivered bool
	Transient bool
	TaskID    string
	Attempts  int
	Err       error
}

// permanentError marks a failure that retrying will not fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Bridge hands sealed uploads to the ingestion service with bounded
// retries. The staging file is deleted once the hand-off concludes,
// delivered or not.
type Bridge struct {
	client  API
	journal journal.Recorder
	cfg     config.IngestConfig
}

// NewBridge creates an ingestion bridge. A nil recorder disables the
// journal.
func NewBridge(client API, rec journal.Recorder, cfg *config.IngestConfig) *Bridge {
	return &Bridge{client: client, journal: rec, cfg: *cfg}
}

// Meta carries session context for the journal record
type Meta struct {
	SessionID  uint64
	RemoteAddr string
}

// Submit delivers the upload's bytes and destination name. It retries
// transient failures with exponential backoff up to the configured
// attempt budget; permanent rejections end immediately. The caller is
// expected to pass a context detached from the session so a client
// disconnect does not abort a hand-off already in flight.
func (b *Bridge) Submit(ctx context.Context, up *staging.Upload, meta Meta) Result {
	defer up.Remove()

	maxAttempts := b.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := b.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		taskID, err := b.submitOnce(ctx, up)
		if err == nil {
			res.Delivered = true
			res.TaskID = taskID
			log.Info().
				Str("upload_id", up.ID().String()).
				Str("name", up.Name()).
				Str("task_id", taskID).
				Int("attempts", attempt).
				Msg("upload delivered to ingestion")
			b.record(ctx, up, meta, res)
			return res
		}

		res.Err = err
		if isPermanent(err) {
			res.Transient = false
			log.Error().Err(err).
				Str("upload_id", up.ID().String()).
				Str("name", up.Name()).
				Msg("ingestion rejected upload permanently")
			b.record(ctx, up, meta, res)
			return res
		}

		res.Transient = true
		if attempt == maxAttempts {
			break
		}

		wait := addJitter(backoff)
		log.Warn().Err(err).
			Str("upload_id", up.ID().String()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("ingestion attempt failed, retrying")

		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("ingestion retry cancelled: %w", ctx.Err())
			b.record(ctx, up, meta, res)
			return res
		case <-time.After(wait):
		}
		backoff *= 2
	}

	log.Error().Err(res.Err).
		Str("upload_id", up.ID().String()).
		Str("name", up.Name()).
		Int("attempts", res.Attempts).
		Msg("ingestion retries exhausted")
	b.record(ctx, up, meta, res)
	return res
}

// submitOnce posts the document and polls the consume task to a
// terminal state. Permanent failures come back wrapped so the retry
// loop stops.
func (b *Bridge) submitOnce(ctx context.Context, up *staging.Upload) (string, error) {
	taskID, err := b.client.UploadDocument(ctx, up.Path(), up.Name())
	if err != nil {
		return "", classify(err)
	}

	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(b.cfg.PollTimeout)

	for {
		select {
		case <-ctx.Done():
			return taskID, fmt.Errorf("task polling cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}

		status, err := b.client.TaskStatus(ctx, taskID)
		if err != nil {
			// The task endpoint being flaky doesn't mean the consume
			// failed; keep polling until the deadline.
			log.Warn().Err(err).Str("task_id", taskID).Msg("failed to get task status")
			if time.Now().After(deadline) {
				return taskID, fmt.Errorf("timeout getting task status: %w", err)
			}
			continue
		}

		switch status {
		case TaskSuccess:
			return taskID, nil
		case TaskFailure, TaskRevoked:
			return taskID, permanent(fmt.Errorf("consume task ended with status %s", status))
		}

		if time.Now().After(deadline) {
			return taskID, fmt.Errorf("timeout waiting for consume task %s", taskID)
		}
	}
}

// classify maps client errors onto the transient/permanent split:
// network errors and 5xx responses are transient, other HTTP errors
// are permanent.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Transient() {
		return permanent(err)
	}
	return err
}

// RecordTransferFailure journals an upload whose data transfer never
// completed, so failed attempts are auditable alongside delivered ones.
// Any partial staging content is discarded.
func (b *Bridge) RecordTransferFailure(ctx context.Context, up *staging.Upload, meta Meta, cause error) {
	defer up.Discard()

	if b.journal == nil {
		return
	}
	rec := &types.UploadRecord{
		SessionID:  meta.SessionID,
		RemoteAddr: meta.RemoteAddr,
		Name:       up.Name(),
		Bytes:      up.Bytes(),
		Checksum:   up.Checksum(),
		Outcome:    types.OutcomeTransferFailed,
		Error:      cause.Error(),
	}
	if err := b.journal.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("upload_id", up.ID().String()).Msg("failed to journal upload")
	}
}

func (b *Bridge) record(ctx context.Context, up *staging.Upload, meta Meta, res Result) {
	if b.journal == nil {
		return
	}

	outcome := types.OutcomeDelivered
	errText := ""
	if !res.Delivered {
		errText = res.Err.Error()
		if res.Transient {
			outcome = types.OutcomeIngestTransient
		} else {
			outcome = types.OutcomeIngestPermanent
		}
	}

	rec := &types.UploadRecord{
		SessionID:  meta.SessionID,
		RemoteAddr: meta.RemoteAddr,
		Name:       up.Name(),
		Bytes:      up.Bytes(),
		Checksum:   up.Checksum(),
		Outcome:    outcome,
		TaskID:     res.TaskID,
		Error:      errText,
		Attempts:   res.Attempts,
	}
	if err := b.journal.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("upload_id", up.ID().String()).Msg("failed to journal upload")
	}
}

// addJitter randomises the delay by ±25% so concurrent sessions don't
// retry in lockstep.
func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
