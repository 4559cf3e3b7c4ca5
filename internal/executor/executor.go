// Package executor runs accepted position commands against the exchange and
// the store. One command execution either commits all of its state changes
// and events or none of them.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"oms/internal/core"
	"oms/internal/credentials"
	"oms/internal/exchange"
	"oms/internal/store"
	apperrors "oms/pkg/errors"
	"oms/pkg/telemetry"
)

// PermanentCommandError marks a failure that retrying cannot fix. The queue
// layer deadletters these instead of rescheduling.
type PermanentCommandError struct {
	err error
}

func (e *PermanentCommandError) Error() string { return e.err.Error() }
func (e *PermanentCommandError) Unwrap() error { return e.err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentCommandError{err: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentCommandError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentCommandError
	return errors.As(err, &pe)
}

// classifyExchangeErr promotes exchange rejections that no retry can change
// into permanent failures. Network, rate-limit and maintenance errors stay
// retryable.
func classifyExchangeErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds),
		errors.Is(err, apperrors.ErrOrderRejected),
		errors.Is(err, apperrors.ErrInvalidOrderParameter),
		errors.Is(err, apperrors.ErrInvalidSymbol),
		errors.Is(err, apperrors.ErrDuplicateOrder),
		errors.Is(err, apperrors.ErrAuthenticationFailed),
		errors.Is(err, apperrors.ErrUnsupportedMethod),
		errors.Is(err, apperrors.ErrCapabilityMissing):
		return Permanent(err)
	}
	return err
}

// ExchangeAPI is the slice of the exchange adapter the executor needs.
type ExchangeAPI interface {
	CreateOrder(ctx context.Context, p exchange.CallParams, req core.OrderRequest) (map[string]any, error)
	CancelOrder(ctx context.Context, p exchange.CallParams, orderID, symbol string) (map[string]any, error)
	EditOrderIfSupported(ctx context.Context, p exchange.CallParams, orderID string, req core.OrderRequest) (map[string]any, bool, error)
}

// Executor executes one accepted command at a time.
type Executor struct {
	store            *store.Store
	exchange         ExchangeAPI
	codec            *credentials.Codec
	requireEncrypted bool
	sink             core.EventSink
	logger           core.ILogger
}

// New wires an executor. codec may be nil when the deployment stores
// plaintext credentials.
func New(st *store.Store, ex ExchangeAPI, codec *credentials.Codec, requireEncrypted bool, sink core.EventSink, logger core.ILogger) *Executor {
	return &Executor{
		store:            st,
		exchange:         ex,
		codec:            codec,
		requireEncrypted: requireEncrypted,
		sink:             sink,
		logger:           logger.WithField("component", "executor"),
	}
}

// Execute runs the command to a terminal state. A nil return means the
// command completed; a PermanentCommandError means it failed and was
// finalized; any other error is retryable and leaves the command accepted.
func (e *Executor) Execute(ctx context.Context, commandID int64) error {
	cmd, err := e.store.FetchPositionCommand(ctx, e.store.DB(), commandID)
	if err != nil {
		return fmt.Errorf("failed to load command %d: %w", commandID, err)
	}
	if cmd.Status != core.CommandAccepted {
		// Replayed queue item; the command already reached a terminal state.
		return nil
	}

	payload, err := core.ParseCommandPayload(cmd.CommandType, json.RawMessage(cmd.PayloadJSON))
	if err != nil {
		err = Permanentf("stored payload is invalid: %v", err)
		e.finalizeFailure(ctx, cmd, nil, err)
		return err
	}

	account, err := e.store.FetchAccount(ctx, e.store.DB(), cmd.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %d: %w", cmd.AccountID, err)
	}

	err = e.dispatch(ctx, cmd, account, payload)
	metrics := telemetry.GetGlobalMetrics()
	switch {
	case err == nil:
		metrics.IncCommandsExecuted(ctx, string(cmd.CommandType), "completed")
		return nil
	case IsPermanent(err):
		e.finalizeFailure(ctx, cmd, payload, err)
		metrics.IncCommandsExecuted(ctx, string(cmd.CommandType), "failed")
		return err
	default:
		metrics.IncCommandsExecuted(ctx, string(cmd.CommandType), "retry")
		return err
	}
}

func (e *Executor) dispatch(ctx context.Context, cmd *core.PositionCommand, account *core.Account, payload core.CommandPayload) error {
	switch p := payload.(type) {
	case *core.SendOrderPayload:
		return e.sendOrder(ctx, cmd, account, p)
	case *core.CancelOrderPayload:
		return e.cancelOrders(ctx, cmd, account, p.TargetOrderIDs(), false)
	case *core.CancelAllOrdersPayload:
		return e.cancelAll(ctx, cmd, account, p.EffectiveStrategyIDs())
	case *core.ChangeOrderPayload:
		return e.changeOrder(ctx, cmd, account, p)
	case *core.ClosePositionPayload:
		return e.closePosition(ctx, cmd, account, p)
	case *core.CloseByPayload:
		return e.closeBy(ctx, cmd, account, p)
	case *core.MergePositionsPayload:
		return e.mergePositions(ctx, cmd, account, p)
	case *core.PositionChangePayload:
		return e.positionChange(ctx, cmd, account, p)
	}
	return Permanentf("unhandled command type %s", cmd.CommandType)
}

// finalizeFailure records the terminal failure and unwinds command-specific
// state: the pre-created order is rejected, close-locks are released and an
// optimistically closed position is reopened.
func (e *Executor) finalizeFailure(ctx context.Context, cmd *core.PositionCommand, payload core.CommandPayload, cause error) {
	var events []*core.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.MarkCommandFailed(ctx, tx, cmd.ID, cause.Error()); err != nil {
			return err
		}
		switch p := payload.(type) {
		case *core.SendOrderPayload:
			order, err := e.store.FetchOrderForCommandSend(ctx, tx, cmd.ID)
			if err == nil {
				if err := e.store.MarkOrderRejected(ctx, tx, order.ID, cause.Error()); err != nil {
					return err
				}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case *core.ClosePositionPayload:
			order, err := e.store.FetchOrderForCommandSend(ctx, tx, cmd.ID)
			if err == nil {
				if err := e.store.MarkOrderRejected(ctx, tx, order.ID, cause.Error()); err != nil {
					return err
				}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := e.store.ReleaseClosePositionLock(ctx, tx, p.PositionID); err != nil {
				return err
			}
			if err := e.store.ReopenPositionIfCloseRequested(ctx, tx, p.PositionID); err != nil {
				return err
			}
		}
		return e.emit(ctx, tx, &events, cmd.AccountID, core.NamespacePosition, "command_failed", map[string]any{
			"command_id": cmd.ID,
			"command":    cmd.CommandType,
			"error":      cause.Error(),
		})
	})
	if err != nil {
		e.logger.Error("Failed to finalize command failure",
			"command_id", cmd.ID, "cause", cause, "error", err)
		return
	}
	e.publish(ctx, events)
}

// emit persists an event inside the transaction and stages it for post-commit
// fan-out.
func (e *Executor) emit(ctx context.Context, tx *sql.Tx, staged *[]*core.Event, accountID int64, namespace, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	ev, err := e.store.InsertEvent(ctx, tx, accountID, namespace, eventType, string(raw))
	if err != nil {
		return err
	}
	*staged = append(*staged, ev)
	return nil
}

func (e *Executor) publish(ctx context.Context, events []*core.Event) {
	if e.sink == nil {
		return
	}
	metrics := telemetry.GetGlobalMetrics()
	for _, ev := range events {
		e.sink.Publish(*ev)
		metrics.IncEventsPublished(ctx, ev.Namespace)
	}
}

// callParams assembles the exchange call identity of the account, decrypting
// stored credentials on the way.
func (e *Executor) callParams(ctx context.Context, account *core.Account) (exchange.CallParams, error) {
	params := exchange.CallParams{
		ExchangeID: account.ExchangeID,
		UseTestnet: account.IsTestnet,
		SessionKey: fmt.Sprintf("account:%d", account.ID),
	}

	creds, err := e.store.FetchCredentials(ctx, e.store.DB(), account.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return params, err
	}
	if creds != nil {
		params.APIKey, err = e.decrypt(creds.APIKey)
		if err != nil {
			return params, Permanent(fmt.Errorf("api key: %w", err))
		}
		params.Secret, err = e.decrypt(creds.Secret)
		if err != nil {
			return params, Permanent(fmt.Errorf("secret: %w", err))
		}
		params.Passphrase, err = e.decrypt(creds.Passphrase)
		if err != nil {
			return params, Permanent(fmt.Errorf("passphrase: %w", err))
		}
	}

	if account.ExtraConfig != "" {
		extra := map[string]any{}
		if err := json.Unmarshal([]byte(account.ExtraConfig), &extra); err != nil {
			return params, Permanentf("account %d extra_config is invalid JSON: %v", account.ID, err)
		}
		params.ExtraConfig = extra
	}
	return params, nil
}

func (e *Executor) decrypt(value string) (string, error) {
	if e.codec == nil {
		if credentials.IsEncrypted(value) {
			return "", fmt.Errorf("credential is encrypted but no codec key is configured")
		}
		if e.requireEncrypted && value != "" {
			return "", credentials.ErrPlaintextRejected
		}
		return value, nil
	}
	return e.codec.DecryptMaybe(value, e.requireEncrypted)
}
