package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/internal/staging"
	"github.com/docdrop/ftpbridge/pkg/utils"
)

var (
	// ErrTransferTimeout means no bytes arrived within the inactivity
	// window, or the client never attached to the data channel.
	ErrTransferTimeout = errors.New("transfer timed out waiting for data")

	// ErrTransferTooLarge means the upload exceeded the configured
	// size limit.
	ErrTransferTooLarge = errors.New("upload exceeds the configured size limit")
)

// Coordinator runs one upload end to end: wait for the data connection
// to attach, stream bytes into staging, seal on clean end-of-stream.
type Coordinator struct {
	MaxBytes    int64
	IdleTimeout time.Duration
}

// Run streams the data channel into the upload. On success the upload
// is sealed and ready for ingestion; on any failure the partial staging
// content is discarded before returning.
func (co *Coordinator) Run(ctx context.Context, ch DataChannel, up *staging.Upload) error {
	err := co.run(ctx, ch, up)
	if err != nil {
		up.Discard()
	}
	return err
}

func (co *Coordinator) run(ctx context.Context, ch DataChannel, up *staging.Upload) error {
	attachCtx, cancel := context.WithTimeout(ctx, co.IdleTimeout)
	defer cancel()

	conn, err := ch.Open(attachCtx)
	if err != nil {
		if errors.Is(attachCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: client never attached", ErrTransferTimeout)
		}
		return err
	}
	defer conn.Close()

	// A session teardown mid-transfer must unblock the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	start := time.Now()
	buf := make([]byte, 32*1024)
	for {
		conn.SetReadDeadline(time.Now().Add(co.IdleTimeout))
		n, rerr := conn.Read(buf)
		if n > 0 {
			if co.MaxBytes > 0 && up.Bytes()+int64(n) > co.MaxBytes {
				return ErrTransferTooLarge
			}
			if _, werr := up.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == nil {
			continue
		}
		if rerr == io.EOF {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("transfer cancelled: %w", ctx.Err())
		}
		var nerr net.Error
		if errors.As(rerr, &nerr) && nerr.Timeout() {
			return ErrTransferTimeout
		}
		return fmt.Errorf("data connection read failed: %w", rerr)
	}

	if err := up.Seal(); err != nil {
		return err
	}

	log.Debug().
		Str("upload_id", up.ID().String()).
		Str("name", up.Name()).
		Str("size", utils.FormatBytes(up.Bytes())).
		Str("mode", ch.Mode()).
		Dur("duration", time.Since(start)).
		Msg("transfer complete")
	return nil
}
