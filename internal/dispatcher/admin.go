package dispatcher

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"oms/internal/core"
	"oms/internal/exchange"
	"oms/internal/store"
	apperrors "oms/pkg/errors"
)

const authTokenTTL = 24 * time.Hour

type credentialsBody struct {
	APIKey     string `json:"api_key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// sealCredentials encrypts the supplied exchange credentials for storage.
func (d *Dispatcher) sealCredentials(accountID int64, body *credentialsBody) (*core.Credentials, error) {
	creds := &core.Credentials{AccountID: accountID}
	var err error
	if creds.APIKey, err = d.encrypt(body.APIKey); err != nil {
		return nil, err
	}
	if creds.Secret, err = d.encrypt(body.Secret); err != nil {
		return nil, err
	}
	if creds.Passphrase, err = d.encrypt(body.Passphrase); err != nil {
		return nil, err
	}
	return creds, nil
}

func (d *Dispatcher) opAdminCreateAccount(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		Name         string            `json:"name"`
		ExchangeID   string            `json:"exchange_id"`
		PositionMode core.PositionMode `json:"position_mode"`
		IsTestnet    bool              `json:"is_testnet"`
		PoolID       string            `json:"pool_id"`
		ExtraConfig  string            `json:"extra_config"`
		Credentials  *credentialsBody  `json:"credentials"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.Name == "" {
		return nil, apperrors.Validation("name is required")
	}
	engine, err := exchange.ParseExchangeID(body.ExchangeID)
	if err != nil {
		return nil, err
	}
	switch body.PositionMode {
	case core.ModeHedge, core.ModeNetting, core.ModeStrategyNetting:
	case "":
		body.PositionMode = core.ModeHedge
	default:
		return nil, apperrors.Validation("position_mode must be hedge, netting or strategy_netting")
	}
	if body.PoolID == "" {
		body.PoolID = engine.Family
	}

	account := &core.Account{
		Name:         body.Name,
		ExchangeID:   engine.String(),
		PositionMode: body.PositionMode,
		Status:       core.AccountActive,
		IsTestnet:    body.IsTestnet,
		PoolID:       body.PoolID,
		ExtraConfig:  body.ExtraConfig,
	}
	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := d.store.CreateAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		account.ID = id
		if body.Credentials != nil {
			creds, err := d.sealCredentials(id, body.Credentials)
			if err != nil {
				return err
			}
			return d.store.UpsertCredentials(ctx, tx, creds)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.emitEvent(ctx, account.ID, core.NamespaceRisk, "account_created", map[string]any{
		"name":        account.Name,
		"exchange_id": account.ExchangeID,
	})
	return accountView(account), nil
}

func (d *Dispatcher) opAdminListAccounts(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	accounts, err := d.store.ListAccounts(ctx, d.store.DB())
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		v := accountView(a)
		v["dispatcher_worker_hint"] = a.DispatcherWorkerHint
		views = append(views, v)
	}
	return map[string]any{"accounts": views}, nil
}

func (d *Dispatcher) opAdminUpdateAccount(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		AccountID    int64               `json:"account_id"`
		Name         *string             `json:"name"`
		ExchangeID   *string             `json:"exchange_id"`
		PositionMode *core.PositionMode  `json:"position_mode"`
		Status       *core.AccountStatus `json:"status"`
		IsTestnet    *bool               `json:"is_testnet"`
		PoolID       *string             `json:"pool_id"`
		ExtraConfig  *string             `json:"extra_config"`
		Credentials  *credentialsBody    `json:"credentials"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}

	account, err := d.store.FetchAccount(ctx, d.store.DB(), body.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodeAccountNotFound, "account %d", body.AccountID)
	}
	if err != nil {
		return nil, err
	}

	if body.Name != nil {
		account.Name = *body.Name
	}
	if body.ExchangeID != nil {
		engine, err := exchange.ParseExchangeID(*body.ExchangeID)
		if err != nil {
			return nil, err
		}
		account.ExchangeID = engine.String()
	}
	if body.PositionMode != nil {
		switch *body.PositionMode {
		case core.ModeHedge, core.ModeNetting, core.ModeStrategyNetting:
			account.PositionMode = *body.PositionMode
		default:
			return nil, apperrors.Validation("position_mode must be hedge, netting or strategy_netting")
		}
	}
	if body.Status != nil {
		if *body.Status != core.AccountActive && *body.Status != core.AccountBlocked {
			return nil, apperrors.Validation("status must be active or blocked")
		}
		account.Status = *body.Status
	}
	if body.IsTestnet != nil {
		account.IsTestnet = *body.IsTestnet
	}
	if body.PoolID != nil {
		account.PoolID = *body.PoolID
	}
	if body.ExtraConfig != nil {
		account.ExtraConfig = *body.ExtraConfig
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.UpdateAccount(ctx, tx, account); err != nil {
			return err
		}
		if body.Credentials != nil {
			creds, err := d.sealCredentials(account.ID, body.Credentials)
			if err != nil {
				return err
			}
			return d.store.UpsertCredentials(ctx, tx, creds)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.emitEvent(ctx, account.ID, core.NamespaceRisk, "account_updated", map[string]any{
		"status": account.Status,
	})
	return accountView(account), nil
}

func (d *Dispatcher) opAdminCreateUserAPIKey(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		Email    string    `json:"email"`
		Name     string    `json:"name"`
		Password string    `json:"password"`
		Role     core.Role `json:"role"`
		Label    string    `json:"label"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.Email == "" || body.Password == "" {
		return nil, apperrors.Validation("email and password are required")
	}
	if body.Role == "" {
		body.Role = core.RoleTrader
	}

	salt := newSalt()
	user := &core.User{
		Email:        body.Email,
		Name:         body.Name,
		PasswordHash: hashPassword(body.Password, salt),
		PasswordSalt: salt,
		Role:         body.Role,
		Status:       "active",
	}
	apiKey := &core.APIKey{Key: newAPIKeyValue(), Role: body.Role, Status: "active"}
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		userID, err := d.store.CreateUser(ctx, tx, user)
		if err != nil {
			return err
		}
		user.ID = userID
		apiKey.UserID = userID
		keyID, err := d.store.CreateAPIKey(ctx, tx, apiKey, body.Label)
		if err != nil {
			return err
		}
		apiKey.ID = keyID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user":    userView(user),
		"api_key": apiKeyView(apiKey),
	}, nil
}

func (d *Dispatcher) opAdminListUsersAPIKeys(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	users, err := d.store.ListUsers(ctx, d.store.DB())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(users))
	for _, user := range users {
		keys, err := d.store.ListAPIKeysByUser(ctx, d.store.DB(), user.ID)
		if err != nil {
			return nil, err
		}
		keyViews := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			keyViews = append(keyViews, apiKeyView(k))
		}
		v := userView(user)
		v["api_keys"] = keyViews
		out = append(out, v)
	}
	return map[string]any{"users": out}, nil
}

func (d *Dispatcher) opAdminCreateAPIKey(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		UserID int64     `json:"user_id"`
		Role   core.Role `json:"role"`
		Label  string    `json:"label"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.UserID == 0 {
		return nil, apperrors.Validation("user_id is required")
	}
	if body.Role == "" {
		return nil, apperrors.Validation("role is required")
	}
	if _, err := d.store.FetchUser(ctx, d.store.DB(), body.UserID); errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Validation("user %d not found", body.UserID)
	} else if err != nil {
		return nil, err
	}

	apiKey := &core.APIKey{UserID: body.UserID, Key: newAPIKeyValue(), Role: body.Role, Status: "active"}
	id, err := d.store.CreateAPIKey(ctx, d.store.DB(), apiKey, body.Label)
	if err != nil {
		return nil, err
	}
	apiKey.ID = id
	return apiKeyView(apiKey), nil
}

func (d *Dispatcher) opAdminUpdateAPIKey(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		APIKeyID int64     `json:"api_key_id"`
		Role     core.Role `json:"role"`
		Status   string    `json:"status"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.APIKeyID == 0 || body.Role == "" || body.Status == "" {
		return nil, apperrors.Validation("api_key_id, role and status are required")
	}
	if err := d.store.UpdateAPIKey(ctx, d.store.DB(), body.APIKeyID, body.Role, body.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.Validation("api key %d not found", body.APIKeyID)
		}
		return nil, err
	}
	return map[string]any{"api_key_id": body.APIKeyID, "role": body.Role, "status": body.Status}, nil
}

func (d *Dispatcher) opAdminListAPIKeyPermissions(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		APIKeyID int64 `json:"api_key_id"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.APIKeyID == 0 {
		return nil, apperrors.Validation("api_key_id is required")
	}
	perms, err := d.store.ListAPIKeyAccountPermissions(ctx, d.store.DB(), body.APIKeyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"permissions": perms}, nil
}

func (d *Dispatcher) opAdminUpsertAPIKeyPermission(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		APIKeyID  int64 `json:"api_key_id"`
		AccountID int64 `json:"account_id"`
		CanRead   bool  `json:"can_read"`
		CanTrade  bool  `json:"can_trade"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.APIKeyID == 0 || body.AccountID == 0 {
		return nil, apperrors.Validation("api_key_id and account_id are required")
	}
	perm := &core.AccountPermission{
		APIKeyID:  body.APIKeyID,
		AccountID: body.AccountID,
		CanRead:   body.CanRead,
		CanTrade:  body.CanTrade,
	}
	if err := d.store.UpsertAPIKeyAccountPermission(ctx, d.store.DB(), perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (d *Dispatcher) opAdminCreateStrategy(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		Name             string  `json:"name"`
		ClientStrategyID string  `json:"client_strategy_id"`
		AccountIDs       []int64 `json:"account_ids"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.Name == "" {
		return nil, apperrors.Validation("name is required")
	}

	strategy := &core.Strategy{
		Name:             body.Name,
		ClientStrategyID: body.ClientStrategyID,
		Status:           "active",
	}
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := d.store.CreateStrategy(ctx, tx, strategy)
		if err != nil {
			return err
		}
		strategy.ID = id
		for _, accountID := range body.AccountIDs {
			if err := d.store.LinkStrategyAccount(ctx, tx, id, accountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return strategyView(strategy), nil
}

func (d *Dispatcher) opAdminListStrategies(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	strategies, err := d.store.ListStrategies(ctx, d.store.DB())
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(strategies))
	for _, st := range strategies {
		views = append(views, strategyView(st))
	}
	return map[string]any{"strategies": views}, nil
}

func (d *Dispatcher) opAdminUpdateStrategy(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		StrategyID       int64   `json:"strategy_id"`
		Name             *string `json:"name"`
		ClientStrategyID *string `json:"client_strategy_id"`
		Status           *string `json:"status"`
		AccountIDs       []int64 `json:"account_ids"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.StrategyID == 0 {
		return nil, apperrors.Validation("strategy_id is required")
	}

	strategy, err := d.store.FetchStrategy(ctx, d.store.DB(), body.StrategyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Validation("strategy %d not found", body.StrategyID)
	}
	if err != nil {
		return nil, err
	}
	if body.Name != nil {
		strategy.Name = *body.Name
	}
	if body.ClientStrategyID != nil {
		strategy.ClientStrategyID = *body.ClientStrategyID
	}
	if body.Status != nil {
		strategy.Status = *body.Status
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.UpdateStrategy(ctx, tx, strategy); err != nil {
			return err
		}
		for _, accountID := range body.AccountIDs {
			if err := d.store.LinkStrategyAccount(ctx, tx, strategy.ID, accountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return strategyView(strategy), nil
}

func (d *Dispatcher) opAdminQuery(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		AccountID int64  `json:"account_id"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}
	if body.AccountID == 0 {
		return nil, apperrors.NewCode(apperrors.CodeMissingAccountID)
	}
	return d.runQuery(ctx, body.AccountID, body.Query, body.Limit)
}

// opAdminMutate exposes a small set of surgical corrections for operators:
// forcing terminal order/position states and releasing stuck locks. Anything
// richer goes through the normal command path.
func (d *Dispatcher) opAdminMutate(ctx context.Context, key *core.APIKey, req *Request) (any, error) {
	if err := d.requireAdmin(key); err != nil {
		return nil, err
	}
	var body struct {
		Action     string `json:"action"`
		AccountID  int64  `json:"account_id"`
		OrderID    int64  `json:"order_id"`
		PositionID int64  `json:"position_id"`
		Reason     string `json:"reason"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.AccountID == 0 {
		body.AccountID = req.AccountID
	}

	var eventType string
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		switch body.Action {
		case "order_reject":
			if body.OrderID == 0 {
				return apperrors.Validation("order_id is required")
			}
			reason := body.Reason
			if reason == "" {
				reason = "admin_reject"
			}
			eventType = "admin_order_rejected"
			return d.store.MarkOrderRejected(ctx, tx, body.OrderID, reason)
		case "position_close_force":
			if body.PositionID == 0 {
				return apperrors.Validation("position_id is required")
			}
			eventType = "admin_position_closed"
			return d.store.ClosePosition(ctx, tx, body.PositionID)
		case "position_reopen":
			if body.PositionID == 0 {
				return apperrors.Validation("position_id is required")
			}
			eventType = "admin_position_reopened"
			return d.store.ReopenPositionIfCloseRequested(ctx, tx, body.PositionID)
		case "release_close_lock":
			if body.PositionID == 0 {
				return apperrors.Validation("position_id is required")
			}
			eventType = "admin_close_lock_released"
			return d.store.ReleaseClosePositionLock(ctx, tx, body.PositionID)
		default:
			return apperrors.Validation("unknown action: %s", body.Action)
		}
	})
	if err != nil {
		return nil, err
	}

	d.emitEvent(ctx, body.AccountID, core.NamespacePosition, eventType, map[string]any{
		"order_id":    body.OrderID,
		"position_id": body.PositionID,
	})
	return map[string]any{"action": body.Action, "ok": true}, nil
}

// User self-service. These ops authenticate with a bearer token from
// auth_login_password instead of an x_api_key.

func (d *Dispatcher) opAuthLoginPassword(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	if body.Email == "" || body.Password == "" {
		return nil, apperrors.Validation("email and password are required")
	}

	user, err := d.store.FetchUserByEmail(ctx, d.store.DB(), body.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied, "invalid credentials")
	}
	if err != nil {
		return nil, err
	}
	if !verifyPassword(body.Password, user.PasswordSalt, user.PasswordHash) {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied, "invalid credentials")
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(authTokenTTL).UnixMilli()
	if err := d.store.InsertAuthToken(ctx, d.store.DB(), token, user.ID, expiresAt); err != nil {
		return nil, err
	}
	return map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"user":       userView(user),
	}, nil
}

// tokenUser resolves the bearer token of a user-facing op.
func (d *Dispatcher) tokenUser(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, apperrors.NewCode(apperrors.CodeMissingAPIKey)
	}
	userID, err := d.store.FetchAuthTokenUser(ctx, d.store.DB(), token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewCode(apperrors.CodeInvalidAPIKey)
	}
	if err != nil {
		return nil, err
	}
	return d.store.FetchUser(ctx, d.store.DB(), userID)
}

func (d *Dispatcher) opUserProfileGet(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	return userView(user), nil
}

func (d *Dispatcher) opUserProfileUpdate(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	if body.Name == "" {
		return nil, apperrors.Validation("name is required")
	}
	if err := d.store.UpdateUserProfile(ctx, d.store.DB(), user.ID, body.Name); err != nil {
		return nil, err
	}
	user.Name = body.Name
	return userView(user), nil
}

func (d *Dispatcher) opUserPasswordUpdate(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token       string `json:"token"`
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	if body.NewPassword == "" {
		return nil, apperrors.Validation("new_password is required")
	}
	if !verifyPassword(body.OldPassword, user.PasswordSalt, user.PasswordHash) {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied, "invalid credentials")
	}
	salt := newSalt()
	if err := d.store.UpdateUserPassword(ctx, d.store.DB(), user.ID,
		hashPassword(body.NewPassword, salt), salt); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) opUserAPIKeysList(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	keys, err := d.store.ListAPIKeysByUser(ctx, d.store.DB(), user.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		views = append(views, apiKeyView(k))
	}
	return map[string]any{"api_keys": views}, nil
}

func (d *Dispatcher) opUserAPIKeysCreate(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token string    `json:"token"`
		Role  core.Role `json:"role"`
		Label string    `json:"label"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	role := body.Role
	if role == "" {
		role = user.Role
	}
	// A user cannot mint a key above their own role.
	if role == core.RoleAdmin && user.Role != core.RoleAdmin {
		return nil, apperrors.NewCode(apperrors.CodeAdminRequired)
	}

	apiKey := &core.APIKey{UserID: user.ID, Key: newAPIKeyValue(), Role: role, Status: "active"}
	id, err := d.store.CreateAPIKey(ctx, d.store.DB(), apiKey, body.Label)
	if err != nil {
		return nil, err
	}
	apiKey.ID = id
	return apiKeyView(apiKey), nil
}

func (d *Dispatcher) opUserAPIKeysUpdate(ctx context.Context, _ *core.APIKey, req *Request) (any, error) {
	var body struct {
		Token    string `json:"token"`
		APIKeyID int64  `json:"api_key_id"`
		Status   string `json:"status"`
	}
	if err := req.decode(&body); err != nil {
		return nil, err
	}
	user, err := d.tokenUser(ctx, body.Token)
	if err != nil {
		return nil, err
	}
	if body.APIKeyID == 0 || body.Status == "" {
		return nil, apperrors.Validation("api_key_id and status are required")
	}

	keys, err := d.store.ListAPIKeysByUser(ctx, d.store.DB(), user.ID)
	if err != nil {
		return nil, err
	}
	var owned *core.APIKey
	for _, k := range keys {
		if k.ID == body.APIKeyID {
			owned = k
			break
		}
	}
	if owned == nil {
		return nil, apperrors.NewCodef(apperrors.CodePermissionDenied,
			"api key %d does not belong to this user", body.APIKeyID)
	}
	if err := d.store.UpdateAPIKey(ctx, d.store.DB(), owned.ID, owned.Role, body.Status); err != nil {
		return nil, err
	}
	return map[string]any{"api_key_id": owned.ID, "status": body.Status}, nil
}

func userView(u *core.User) map[string]any {
	return map[string]any{
		"id":     u.ID,
		"email":  u.Email,
		"name":   u.Name,
		"role":   u.Role,
		"status": u.Status,
	}
}

func apiKeyView(k *core.APIKey) map[string]any {
	return map[string]any{
		"id":      k.ID,
		"user_id": k.UserID,
		"key":     k.Key,
		"role":    k.Role,
		"status":  k.Status,
	}
}

func strategyView(st *core.Strategy) map[string]any {
	v := map[string]any{
		"id":                 st.ID,
		"name":               st.Name,
		"client_strategy_id": st.ClientStrategyID,
		"status":             st.Status,
	}
	if st.AllowNewPositions != nil {
		v["allow_new_positions"] = *st.AllowNewPositions
	}
	return v
}

func newAPIKeyValue() string {
	return "omsk-" + uuid.NewString()
}

func newSalt() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func verifyPassword(password, salt, hash string) bool {
	computed := hashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
