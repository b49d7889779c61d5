package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
)

// callState is the lifecycle of one batch request.
type callState int

const (
	stateIdle callState = iota
	stateSent
	stateRetrying
	stateSucceeded
	stateFailed
)

func (s callState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSent:
		return "sent"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("callState(%d)", int(s))
}

type batchResult struct {
	vectors [][]float32
	tokens  int
	retries int
}

// invalidResponseError marks a response that arrived but cannot be used.
// Sending the same batch again would not fix it.
type invalidResponseError struct {
	reason string
}

func (e *invalidResponseError) Error() string {
	return "invalid embedding response: " + e.reason
}

// embedBatch drives one batch through Idle -> Sent -> {Succeeded, Retrying,
// Failed}. Retrying waits for the next backoff interval and returns to Idle.
func (p *Provider) embedBatch(ctx context.Context, batch []string) (batchResult, error) {
	var (
		res     batchResult
		lastErr error
	)
	bo := p.newBackOff()
	state := stateIdle

	for {
		switch state {
		case stateIdle:
			if err := p.limiter.Wait(ctx); err != nil {
				lastErr = err
				state = stateFailed
				continue
			}
			state = stateSent

		case stateSent:
			vectors, tokens, err := p.call(ctx, batch)
			if err == nil {
				err = p.validate(vectors, len(batch))
			}
			switch {
			case err == nil:
				res.vectors, res.tokens = vectors, tokens
				state = stateSucceeded
			case res.retries < p.retryLimit && ctx.Err() == nil && isTransient(err):
				lastErr = err
				state = stateRetrying
			default:
				lastErr = err
				state = stateFailed
			}

		case stateRetrying:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				state = stateFailed
				continue
			}
			res.retries++
			log.Warn().Err(lastErr).
				Int("attempt", res.retries).
				Int("max_retries", p.retryLimit).
				Dur("wait", wait).
				Msg("Retrying embedding batch")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				state = stateFailed
			case <-timer.C:
				state = stateIdle
			}

		case stateSucceeded:
			return res, nil

		case stateFailed:
			return res, lastErr
		}
	}
}

// call makes a single backend request bounded by the provider timeout.
func (p *Provider) call(ctx context.Context, batch []string) ([][]float32, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	vectors, tokens, err := p.backend.Embed(callCtx, batch)
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, 0, &models.TimeoutError{Op: "embedding call", Err: err}
	}
	return vectors, tokens, err
}

func (p *Provider) validate(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return &invalidResponseError{reason: fmt.Sprintf("expected %d vectors, got %d", want, len(vectors))}
	}
	for i, v := range vectors {
		if len(v) != p.dims {
			return &invalidResponseError{reason: fmt.Sprintf("vector %d has %d dimensions, expected %d", i, len(v), p.dims)}
		}
	}
	return nil
}

// isTransient reports whether err is worth another attempt: timeouts,
// throttling, server errors and network failures.
func isTransient(err error) bool {
	var invalid *invalidResponseError
	if errors.As(err, &invalid) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var timeout *models.TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "too many requests", "timeout", "connection refused", "connection reset", "unexpected eof", "502", "503", "504"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
