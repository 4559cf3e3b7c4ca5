// Package intake validates client position commands and enqueues them for
// execution. Submission is batch-oriented: each item is validated and
// persisted in its own transaction, and failures never abort the batch.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"oms/internal/core"
	"oms/internal/store"
	apperrors "oms/pkg/errors"
)

// Service accepts command batches on behalf of an authenticated api key.
type Service struct {
	store        *store.Store
	logger       core.ILogger
	closeLockTTL int // seconds
}

// NewService wires the intake service.
func NewService(st *store.Store, closeLockTTLSeconds int, logger core.ILogger) *Service {
	return &Service{
		store:        st,
		logger:       logger.WithField("component", "intake"),
		closeLockTTL: closeLockTTLSeconds,
	}
}

// SubmitBatch validates and enqueues every item. The result slice is
// positional: results[i] describes items[i].
func (s *Service) SubmitBatch(ctx context.Context, key *core.APIKey, items []core.CommandInput) []core.CommandResult {
	results := make([]core.CommandResult, len(items))
	for i, item := range items {
		commandID, orderID, err := s.submitOne(ctx, key, item)
		results[i] = core.CommandResult{Index: i, OK: err == nil, CommandID: commandID, OrderID: orderID}
		if err != nil {
			results[i].ErrorCode = apperrors.CodeOf(err)
			results[i].Message = err.Error()
			s.logger.Warn("Command rejected",
				"account_id", item.AccountID, "command", item.Command, "error", err)
		}
	}
	return results
}

func (s *Service) submitOne(ctx context.Context, key *core.APIKey, item core.CommandInput) (commandID, orderID int64, err error) {
	if item.AccountID == 0 {
		return 0, 0, apperrors.NewCode(apperrors.CodeMissingAccountID)
	}
	if !item.Command.Valid() {
		return 0, 0, apperrors.Validation("unknown command type: %s", item.Command)
	}

	payload, err := core.ParseCommandPayload(item.Command, item.Payload)
	if err != nil {
		return 0, 0, apperrors.Validation("%s", err.Error())
	}

	requestID := item.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		account, err := s.store.FetchAccount(ctx, tx, item.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NewCodef(apperrors.CodeAccountNotFound, "account %d", item.AccountID)
		}
		if err != nil {
			return err
		}
		if account.Status != core.AccountActive {
			return apperrors.NewCodef(apperrors.CodePermissionDenied,
				"account %d is %s", account.ID, account.Status)
		}

		if err := s.checkPermissions(ctx, tx, key, account.ID, payload); err != nil {
			return err
		}
		if err := s.checkRisk(ctx, tx, account.ID, payload); err != nil {
			return err
		}

		stampReason(payload, key.Role)
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}

		cmd := &core.PositionCommand{
			AccountID:   account.ID,
			CommandType: item.Command,
			RequestID:   requestID,
			PayloadJSON: string(payloadJSON),
			Status:      core.CommandAccepted,
		}
		commandID, err = s.store.InsertPositionCommand(ctx, tx, cmd)
		if err != nil {
			return err
		}

		orderID, err = s.prepare(ctx, tx, account, commandID, requestID, payload)
		if err != nil {
			return err
		}

		_, err = s.store.EnqueueCommand(ctx, tx, account.ID, account.PoolID, commandID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return commandID, orderID, nil
}

// checkPermissions enforces the account and strategy grants of the api key.
// Admin keys can read everything but never trade.
func (s *Service) checkPermissions(ctx context.Context, tx *sql.Tx, key *core.APIKey, accountID int64, payload core.CommandPayload) error {
	if key.Role == core.RoleAdmin {
		return apperrors.NewCodef(apperrors.CodeAdminReadOnly,
			"admin keys cannot submit %s", payload.CommandType())
	}
	if key.Role == core.RoleReadonly {
		return apperrors.NewCodef(apperrors.CodePermissionDenied,
			"readonly keys cannot submit commands")
	}

	perm, err := s.store.FetchAPIKeyAccountPermissions(ctx, tx, key.ID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key has no access to account %d", accountID)
	}
	if err != nil {
		return err
	}
	if !perm.CanTrade {
		return apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key cannot trade on account %d", accountID)
	}

	if strategyID := payloadStrategyID(payload); strategyID != 0 {
		allowed, err := s.store.APIKeyStrategyAllowed(ctx, tx, key.ID, strategyID, true)
		if err != nil {
			return err
		}
		if !allowed {
			return apperrors.NewCodef(apperrors.CodeStrategyPermissionDenied,
				"api key cannot trade on strategy %d", strategyID)
		}
	}
	return nil
}

// checkRisk blocks exposure-increasing orders when the account or the target
// strategy has new positions disabled. Reduce-only orders always pass.
func (s *Service) checkRisk(ctx context.Context, tx *sql.Tx, accountID int64, payload core.CommandPayload) error {
	send, ok := payload.(*core.SendOrderPayload)
	if !ok || send.ReduceOnly {
		return nil
	}

	allow, err := s.store.FetchAllowNewPositions(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if send.StrategyID != 0 {
		strategy, err := s.store.FetchStrategy(ctx, tx, send.StrategyID)
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.Validation("strategy %d not found", send.StrategyID)
		}
		if err != nil {
			return err
		}
		if strategy.AllowNewPositions != nil {
			allow = *strategy.AllowNewPositions
		}
	}
	if !allow {
		return apperrors.NewCodef(apperrors.CodePermissionDenied,
			"new positions are disabled for account %d", accountID)
	}
	return nil
}

// stampReason fills the audit reason from the caller role when the client
// omitted one.
func stampReason(payload core.CommandPayload, role core.Role) {
	switch p := payload.(type) {
	case *core.SendOrderPayload:
		if p.Reason == "" {
			p.Reason = role.DefaultReason()
		}
	case *core.ClosePositionPayload:
		if p.Reason == "" {
			p.Reason = role.DefaultReason()
		}
	}
}

func payloadStrategyID(payload core.CommandPayload) int64 {
	switch p := payload.(type) {
	case *core.SendOrderPayload:
		return p.StrategyID
	case *core.ClosePositionPayload:
		return p.StrategyID
	case *core.CloseByPayload:
		return p.StrategyID
	}
	return 0
}

// prepare runs the command-specific intake work inside the submission
// transaction: local order pre-creation for send_order, target validation
// and close-lock acquisition for the position commands.
func (s *Service) prepare(ctx context.Context, tx *sql.Tx, account *core.Account, commandID int64, requestID string, payload core.CommandPayload) (int64, error) {
	switch p := payload.(type) {
	case *core.SendOrderPayload:
		return s.prepareSendOrder(ctx, tx, account, commandID, p)
	case *core.CancelOrderPayload:
		for _, id := range p.TargetOrderIDs() {
			owner, err := s.store.FetchOrderAccountID(ctx, tx, id)
			if errors.Is(err, store.ErrNotFound) {
				return 0, apperrors.NewCodef(apperrors.CodeOrderNotFound, "order %d", id)
			}
			if err != nil {
				return 0, err
			}
			if owner != account.ID {
				return 0, apperrors.NewCodef(apperrors.CodeOrderNotFound,
					"order %d does not belong to account %d", id, account.ID)
			}
		}
		return 0, nil
	case *core.ChangeOrderPayload:
		owner, err := s.store.FetchOrderAccountID(ctx, tx, p.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.NewCodef(apperrors.CodeOrderNotFound, "order %d", p.OrderID)
		}
		if err != nil {
			return 0, err
		}
		if owner != account.ID {
			return 0, apperrors.NewCodef(apperrors.CodeOrderNotFound,
				"order %d does not belong to account %d", p.OrderID, account.ID)
		}
		return 0, nil
	case *core.ClosePositionPayload:
		if err := s.requireOpenPosition(ctx, tx, account.ID, p.PositionID); err != nil {
			return 0, err
		}
		if _, err := s.store.CleanupExpiredCloseLocks(ctx, tx); err != nil {
			return 0, err
		}
		acquired, err := s.store.AcquireClosePositionLock(ctx, tx, account.ID, p.PositionID, requestID, s.closeLockTTL)
		if err != nil {
			return 0, err
		}
		if !acquired {
			return 0, apperrors.NewCodef(apperrors.CodeCloseLockHeld,
				"position %d close already in progress", p.PositionID)
		}
		return 0, nil
	case *core.CloseByPayload:
		if err := s.requireOpenPosition(ctx, tx, account.ID, p.PositionIDA); err != nil {
			return 0, err
		}
		return 0, s.requireOpenPosition(ctx, tx, account.ID, p.PositionIDB)
	case *core.MergePositionsPayload:
		if err := s.requireOpenPosition(ctx, tx, account.ID, p.SourcePositionID); err != nil {
			return 0, err
		}
		return 0, s.requireOpenPosition(ctx, tx, account.ID, p.TargetPositionID)
	case *core.PositionChangePayload:
		return 0, s.requireOpenPosition(ctx, tx, account.ID, p.PositionID)
	}
	return 0, nil
}

// prepareSendOrder pre-creates the local PENDING_SUBMIT order row so the
// client gets a stable order id synchronously, before the exchange round
// trip.
func (s *Service) prepareSendOrder(ctx context.Context, tx *sql.Tx, account *core.Account, commandID int64, p *core.SendOrderPayload) (int64, error) {
	if p.PositionID != 0 {
		pos, err := s.store.FetchPosition(ctx, tx, p.PositionID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.NewCodef(apperrors.CodePositionNotFound, "position %d", p.PositionID)
		}
		if err != nil {
			return 0, err
		}
		if pos.AccountID != account.ID {
			return 0, apperrors.NewCodef(apperrors.CodePositionNotFound,
				"position %d does not belong to account %d", p.PositionID, account.ID)
		}
		if pos.State != core.PositionOpen {
			return 0, apperrors.Validation("position %d is closed", p.PositionID)
		}
		if pos.Symbol != p.Symbol {
			return 0, apperrors.Validation("position %d is on %s, order is on %s",
				p.PositionID, pos.Symbol, p.Symbol)
		}
	}

	order := &core.Order{
		AccountID:     account.ID,
		CommandID:     commandID,
		StrategyID:    p.StrategyID,
		PositionID:    p.PositionID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Qty:           p.Qty,
		Price:         p.Price,
		Status:        core.OrderPendingSubmit,
		ClientOrderID: p.ClientOrderID,
		StopLoss:      p.StopLoss,
		StopGain:      p.StopGain,
		Reason:        p.Reason,
		Comment:       p.Comment,
	}
	return s.store.InsertOrderPendingSubmit(ctx, tx, order)
}

func (s *Service) requireOpenPosition(ctx context.Context, tx *sql.Tx, accountID, positionID int64) error {
	pos, err := s.store.FetchOpenPosition(ctx, tx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NewCodef(apperrors.CodePositionNotFound, "position %d", positionID)
	}
	if err != nil {
		return err
	}
	if pos.AccountID != accountID {
		return apperrors.NewCodef(apperrors.CodePositionNotFound,
			"position %d does not belong to account %d", positionID, accountID)
	}
	return nil
}
